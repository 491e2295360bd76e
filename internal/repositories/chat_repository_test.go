package repositories

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-chat/internal/db"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	conn, err := db.Connect(db.Options{Driver: db.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// openPostgresTestDB connects to CHAT_TEST_POSTGRES_DSN and skips when unset.
func openPostgresTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("CHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHAT_TEST_POSTGRES_DSN not set")
	}
	conn, err := db.Connect(db.Options{Driver: db.DriverPostgres, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestRepo(t *testing.T) *ChatRepo {
	return NewChatRepo(openTestDB(t))
}

func TestFindOrCreateChatCreatesOnceAndMarksRequesterSeen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, created, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.ElementsMatch(t, []string{"alice", "bob"}, chat.ParticipantIDs)
	assert.Equal(t, []string{"alice"}, chat.SeenBy)

	again, created, err := repo.FindOrCreateChat(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, chat.ID, again.ID)
	assert.Equal(t, []string{"alice"}, again.SeenBy)
}

func TestFindOrCreateChatRejectsSelfAndEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.FindOrCreateChat(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	_, _, err = repo.FindOrCreateChat(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestFindOrCreateChatConcurrentCallsShareOneChat(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const callers = 20
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			chat, _, err := repo.FindOrCreateChat(ctx, a, b)
			ids[i], errs[i] = chat.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	var count int
	require.NoError(t, repo.db.Get(&count, `SELECT COUNT(*) FROM chats`))
	assert.Equal(t, 1, count)
}

func TestAppendMessageResetsSeenToSender(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = repo.MarkRead(ctx, chat.ID, "bob")
	require.NoError(t, err)

	updated, msg, err := repo.AppendMessage(ctx, chat.ID, "bob", "is it still available?")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, updated.SeenBy)
	assert.Equal(t, "is it still available?", updated.LastMessage)
	assert.Equal(t, chat.ID, msg.ChatID)
	assert.Equal(t, int64(1), msg.Seq)
	assert.NotEmpty(t, msg.ID)

	opened, err := repo.GetChat(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, opened.SeenBy)
	require.Len(t, opened.Messages, 1)
	assert.Equal(t, msg.ID, opened.Messages[0].ID)
}

func TestAppendMessageResetIsNotUnion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	read, err := repo.MarkRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, read.SeenBy)

	updated, _, err := repo.AppendMessage(ctx, chat.ID, "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, updated.SeenBy)
}

func TestAppendMessageOrdersByCreation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo.now = func() time.Time { return frozen }

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, first, err := repo.AppendMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)
	updated, second, err := repo.AppendMessage(ctx, chat.ID, "alice", "world")
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.After(first.CreatedAt), "created_at must increase even with a frozen clock")
	assert.Equal(t, []string{"alice"}, updated.SeenBy)

	opened, err := repo.GetChat(ctx, chat.ID, "alice")
	require.NoError(t, err)
	texts := make([]string, 0, len(opened.Messages))
	for _, m := range opened.Messages {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"hello", "world"}, texts)
	assert.Equal(t, []string{"alice"}, opened.SeenBy)
}

func TestAppendMessageRejectsOutsiders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)

	_, _, err = repo.AppendMessage(ctx, chat.ID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, _, err = repo.AppendMessage(ctx, "missing", "alice", "hi")
	assert.ErrorIs(t, err, ErrChatNotFound)

	opened, err := repo.GetChat(ctx, chat.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, opened.Messages)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)

	once, err := repo.MarkRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	twice, err := repo.MarkRead(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, once.SeenBy, twice.SeenBy)
	assert.Equal(t, []string{"alice", "bob"}, twice.SeenBy)
}

func TestMarkReadAndGetChatHideChatsFromOutsiders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = repo.MarkRead(ctx, chat.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = repo.GetChat(ctx, chat.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = repo.MarkRead(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = repo.GetChat(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestGetChatTwiceIsStable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, _, err = repo.AppendMessage(ctx, chat.ID, "alice", "hi bob")
	require.NoError(t, err)

	first, err := repo.GetChat(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Contains(t, first.SeenBy, "bob")

	second, err := repo.GetChat(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, first.SeenBy, second.SeenBy)
	assert.Equal(t, len(first.Messages), len(second.Messages))
}

func TestListChatsOrdersByActivityAndReportsSeen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	withBob, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, _, err := repo.FindOrCreateChat(ctx, "alice", "carol")
	require.NoError(t, err)
	_, _, err = repo.FindOrCreateChat(ctx, "bob", "carol")
	require.NoError(t, err)

	_, _, err = repo.AppendMessage(ctx, withBob.ID, "bob", "latest")
	require.NoError(t, err)

	chats, err := repo.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, withBob.ID, chats[0].ID)
	assert.Equal(t, "latest", chats[0].LastMessage)
	assert.False(t, chats[0].Seen)
	assert.Equal(t, withCarol.ID, chats[1].ID)
	assert.True(t, chats[1].Seen)

	unread, err := repo.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	empty, err := repo.ListChats(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetMessageAndIsParticipant(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, msg, err := repo.AppendMessage(ctx, chat.ID, "alice", "hi")
	require.NoError(t, err)

	stored, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Text, stored.Text)
	assert.Equal(t, msg.SenderID, stored.SenderID)

	_, err = repo.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	ok, err := repo.IsParticipant(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IsParticipant(ctx, chat.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendMessageIsAllOrNothing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, _, err = repo.AppendMessage(ctx, chat.ID, "alice", "hello")
	require.NoError(t, err)
	_, err = repo.MarkRead(ctx, chat.ID, "bob")
	require.NoError(t, err)

	// Fails the seen-state write, after the message insert and the seen reset.
	_, err = repo.db.Exec(`CREATE TRIGGER chat_seen_fail BEFORE INSERT ON chat_seen
        BEGIN SELECT RAISE(ABORT, 'seen write failed'); END`)
	require.NoError(t, err)

	_, _, err = repo.AppendMessage(ctx, chat.ID, "bob", "world")
	require.Error(t, err)

	var messages int
	require.NoError(t, repo.db.Get(&messages, `SELECT COUNT(*) FROM messages WHERE chat_id=?`, chat.ID))
	assert.Equal(t, 1, messages)
	var lastSeq int64
	require.NoError(t, repo.db.Get(&lastSeq, `SELECT last_seq FROM chats WHERE id=?`, chat.ID))
	assert.Equal(t, int64(1), lastSeq)

	chats, err := repo.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "hello", chats[0].LastMessage)
	assert.Equal(t, []string{"alice", "bob"}, chats[0].SeenBy)

	_, err = repo.db.Exec(`DROP TRIGGER chat_seen_fail`)
	require.NoError(t, err)
	_, msg, err := repo.AppendMessage(ctx, chat.ID, "bob", "world")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = repo.withTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.Exec(`INSERT INTO users (id, username) VALUES ('carol', 'carol')`)
			require.NoError(t, err)
			panic("boom")
		})
	})

	var count int
	require.NoError(t, repo.db.Get(&count, `SELECT COUNT(*) FROM users WHERE id='carol'`))
	assert.Zero(t, count)
}

func TestConcurrentReadsDoNotOutliveSeenReset(t *testing.T) {
	backends := map[string]func(*testing.T) *sqlx.DB{
		"sqlite":   openTestDB,
		"postgres": openPostgresTestDB,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			repo := NewChatRepo(open(t))
			ctx := context.Background()
			seller, buyer := "seller-"+uuid.NewString(), "buyer-"+uuid.NewString()

			chat, _, err := repo.FindOrCreateChat(ctx, seller, buyer)
			require.NoError(t, err)

			const rounds = 25
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				reads []readView
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					_, _, err := repo.AppendMessage(ctx, chat.ID, seller, fmt.Sprintf("offer %d", i))
					assert.NoError(t, err)
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					opened, err := repo.GetChat(ctx, chat.ID, buyer)
					if !assert.NoError(t, err) {
						return
					}
					view := readView{lastMessage: opened.LastMessage}
					if n := len(opened.Messages); n > 0 {
						view.newest = opened.Messages[n-1].Text
					}
					mu.Lock()
					reads = append(reads, view)
					mu.Unlock()
				}
			}()
			wg.Wait()

			// Every read is a consistent snapshot of history and preview.
			for _, r := range reads {
				assert.Equal(t, r.lastMessage, r.newest)
			}

			chats, err := repo.ListChats(ctx, seller)
			require.NoError(t, err)
			require.Len(t, chats, 1)
			final := chats[0]
			if final.SeenByUser(buyer) {
				// The buyer only counts as seen when a read returned the newest message.
				seenNewest := false
				for _, r := range reads {
					if r.newest == final.LastMessage {
						seenNewest = true
					}
				}
				assert.True(t, seenNewest, "buyer marked seen without reading %q", final.LastMessage)
			} else {
				assert.Equal(t, []string{seller}, final.SeenBy)
			}
		})
	}
}

type readView struct {
	lastMessage string
	newest      string
}
