package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"listing-chat/internal/models"
)

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrNotParticipant      = errors.New("user is not a chat participant")
	ErrMessageNotFound     = errors.New("message not found")
	ErrInvalidParticipants = errors.New("a chat needs two distinct participants")
)

// ChatRepository abstracts chat and message persistence.
type ChatRepository interface {
	FindOrCreateChat(ctx context.Context, requesterID string, otherID string) (models.Chat, bool, error)
	ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error)
	GetChat(ctx context.Context, chatID string, userID string) (models.Chat, error)
	AppendMessage(ctx context.Context, chatID string, senderID string, text string) (models.Chat, models.Message, error)
	MarkRead(ctx context.Context, chatID string, userID string) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID string, userID string) (bool, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// ChatRepo is a sqlx implementation of ChatRepository. Queries are written
// with '?' placeholders and rebound for the active driver.
type ChatRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db, now: time.Now}
}

const chatColumns = `c.id, c.user1_id, c.user2_id, COALESCE(c.last_message, '') AS last_message, c.last_message_at, c.created_at, c.updated_at`

// FindOrCreateChat returns the chat for the unordered pair, creating it when
// absent. The pair's unique constraint decides concurrent creations.
func (r *ChatRepo) FindOrCreateChat(ctx context.Context, requesterID string, otherID string) (models.Chat, bool, error) {
	if requesterID == "" || otherID == "" || requesterID == otherID {
		return models.Chat{}, false, ErrInvalidParticipants
	}
	participants := []string{requesterID, otherID}
	sort.Strings(participants)
	user1, user2 := participants[0], participants[1]

	var (
		chat    models.Chat
		created bool
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		now := r.timestamp()
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chats (id, user1_id, user2_id, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?)
            ON CONFLICT (user1_id, user2_id) DO NOTHING`), uuid.NewString(), user1, user2, now, now)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = affected == 1

		if err := tx.GetContext(ctx, &chat, tx.Rebind(`SELECT `+chatColumns+` FROM chats c WHERE c.user1_id=? AND c.user2_id=?`), user1, user2); err != nil {
			return err
		}
		if created {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_seen (chat_id, user_id) VALUES (?, ?)`), chat.ID, requesterID); err != nil {
				return err
			}
		}
		return r.loadSeen(ctx, tx, &chat)
	})
	if err != nil {
		return models.Chat{}, false, fmt.Errorf("find or create chat: %w", err)
	}
	return chat, created, nil
}

// ListChats returns the user's chats, most recently active first.
func (r *ChatRepo) ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	query := r.db.Rebind(`SELECT ` + chatColumns + ` FROM chats c
        WHERE c.user1_id=? OR c.user2_id=?
        ORDER BY c.updated_at DESC, c.id ASC`)
	var chats []models.Chat
	if err := r.db.SelectContext(ctx, &chats, query, userID, userID); err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return []models.ChatSummary{}, nil
	}

	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	seen, err := r.seenByChat(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]models.ChatSummary, 0, len(chats))
	for _, c := range chats {
		c.ParticipantIDs = c.Participants()
		c.SeenBy = seen[c.ID]
		if c.SeenBy == nil {
			c.SeenBy = []string{}
		}
		result = append(result, models.ChatSummary{Chat: c, Seen: c.SeenByUser(userID)})
	}
	return result, nil
}

// GetChat loads a chat with its full history and marks it read for userID.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string, userID string) (models.Chat, error) {
	var chat models.Chat
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		chat, err = r.markReadTx(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		msgs := []models.Message{}
		if err := tx.SelectContext(ctx, &msgs, tx.Rebind(`SELECT id, chat_id, seq, sender_id, text, created_at
            FROM messages WHERE chat_id=? ORDER BY seq ASC`), chatID); err != nil {
			return err
		}
		chat.Messages = msgs
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AppendMessage stores a message, resets the seen-state to the sender and
// refreshes the preview. Either all of it is committed or none.
func (r *ChatRepo) AppendMessage(ctx context.Context, chatID string, senderID string, text string) (models.Chat, models.Message, error) {
	var (
		chat models.Chat
		msg  models.Message
	)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		// Bumping last_seq takes the row lock that orders concurrent appends.
		var seq int64
		err := tx.GetContext(ctx, &seq, tx.Rebind(`UPDATE chats SET last_seq = last_seq + 1
            WHERE id=? AND (user1_id=? OR user2_id=?)
            RETURNING last_seq`), chatID, senderID, senderID)
		if errors.Is(err, sql.ErrNoRows) {
			return r.missingOrForbidden(ctx, tx, chatID)
		}
		if err != nil {
			return err
		}
		var lastMessageAt *time.Time
		if err := tx.GetContext(ctx, &lastMessageAt, tx.Rebind(`SELECT last_message_at FROM chats WHERE id=?`), chatID); err != nil {
			return err
		}

		createdAt := r.timestamp()
		if lastMessageAt != nil && !createdAt.After(*lastMessageAt) {
			createdAt = lastMessageAt.Add(time.Microsecond)
		}

		msg = models.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			Seq:       seq,
			SenderID:  senderID,
			Text:      text,
			CreatedAt: createdAt,
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO messages (id, chat_id, seq, sender_id, text, created_at)
            VALUES (:id, :chat_id, :seq, :sender_id, :text, :created_at)`, msg); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE chats SET last_message=?, last_message_at=?, updated_at=? WHERE id=?`),
			text, createdAt, createdAt, chatID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chat_seen WHERE chat_id=?`), chatID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_seen (chat_id, user_id) VALUES (?, ?)`), chatID, senderID); err != nil {
			return err
		}

		chat, err = r.loadChat(ctx, tx, chatID)
		return err
	})
	if err != nil {
		return models.Chat{}, models.Message{}, err
	}
	return chat, msg, nil
}

// MarkRead adds userID to the chat's seen-state. Repeating it is a no-op.
func (r *ChatRepo) MarkRead(ctx context.Context, chatID string, userID string) (models.Chat, error) {
	var chat models.Chat
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		chat, err = r.markReadTx(ctx, tx, chatID, userID)
		return err
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM chats WHERE id=? AND (user1_id=? OR user2_id=?))`), chatID, userID, userID)
	return exists, err
}

// GetMessage retrieves a single message.
func (r *ChatRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT id, chat_id, seq, sender_id, text, created_at FROM messages WHERE id=?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// CountUnread returns how many of the user's chats the user has not seen.
func (r *ChatRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM chats c
        WHERE (c.user1_id=? OR c.user2_id=?)
        AND NOT EXISTS (SELECT 1 FROM chat_seen s WHERE s.chat_id=c.id AND s.user_id=?)`), userID, userID, userID)
	return count, err
}

func (r *ChatRepo) markReadTx(ctx context.Context, tx *sqlx.Tx, chatID string, userID string) (models.Chat, error) {
	// Same row lock as AppendMessage: a read and a seen-state reset never interleave.
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE chats SET last_seq = last_seq WHERE id=?`), chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Chat{}, err
	} else if n == 0 {
		return models.Chat{}, ErrChatNotFound
	}

	chat, err := r.loadChat(ctx, tx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, ErrNotParticipant
	}
	if chat.SeenByUser(userID) {
		return chat, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_seen (chat_id, user_id) VALUES (?, ?)
        ON CONFLICT (chat_id, user_id) DO NOTHING`), chatID, userID); err != nil {
		return models.Chat{}, err
	}
	if err := r.loadSeen(ctx, tx, &chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

func (r *ChatRepo) loadChat(ctx context.Context, tx *sqlx.Tx, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := tx.GetContext(ctx, &chat, tx.Rebind(`SELECT `+chatColumns+` FROM chats c WHERE c.id=?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	if err := r.loadSeen(ctx, tx, &chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

func (r *ChatRepo) loadSeen(ctx context.Context, tx *sqlx.Tx, chat *models.Chat) error {
	seen := []string{}
	if err := tx.SelectContext(ctx, &seen, tx.Rebind(`SELECT user_id FROM chat_seen WHERE chat_id=? ORDER BY user_id`), chat.ID); err != nil {
		return err
	}
	chat.SeenBy = seen
	chat.ParticipantIDs = chat.Participants()
	return nil
}

func (r *ChatRepo) seenByChat(ctx context.Context, chatIDs []string) (map[string][]string, error) {
	query, args, err := sqlx.In(`SELECT chat_id, user_id FROM chat_seen WHERE chat_id IN (?) ORDER BY user_id`, chatIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ChatID string `db:"chat_id"`
		UserID string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	seen := make(map[string][]string, len(chatIDs))
	for _, row := range rows {
		seen[row.ChatID] = append(seen[row.ChatID], row.UserID)
	}
	return seen, nil
}

func (r *ChatRepo) missingOrForbidden(ctx context.Context, tx *sqlx.Tx, chatID string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM chats WHERE id=?)`), chatID); err != nil {
		return err
	}
	if exists {
		return ErrNotParticipant
	}
	return ErrChatNotFound
}

func (r *ChatRepo) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// timestamp is truncated to the precision postgres stores.
func (r *ChatRepo) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}
