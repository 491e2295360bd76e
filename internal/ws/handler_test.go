package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"listing-chat/internal/auth"
	"listing-chat/internal/chat"
	"listing-chat/internal/mocks"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/internal/relay"
)

const testSecret = "ws-test-secret"

type testServer struct {
	srv      *httptest.Server
	chats    *mocks.ChatRepositoryMock
	presence *presence.Registry
	router   *relay.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chats := new(mocks.ChatRepositoryMock)
	registry := presence.NewRegistry()
	router := relay.NewRouter()
	svc := chat.NewService(chats, new(mocks.UserRepositoryMock), router, chat.Options{MaxMessageLength: 100, RelayOnAppend: true})
	handler := NewHandler(auth.NewVerifier(testSecret, "token"), registry, router, svc, Options{
		SendBuffer:      16,
		WriteWait:       time.Second,
		PongWait:        5 * time.Second,
		MaxFrameBytes:   64 * 1024,
		EventsPerSecond: 100,
		EventBurst:      100,
	})

	engine := gin.New()
	engine.GET("/ws", handler.Handle)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, chats: chats, presence: registry, router: router}
}

func (s *testServer) url(token string) string {
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(s.url(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// roundTrip sends a ping so earlier events on conn are known to be processed.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, EventPing, nil)
	assert.Equal(t, relay.EventPong, read(t, conn).Event)
}

func register(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, EventRegisterSession, userID)
	roundTrip(t, conn)
}

func TestSendMessageFansOutToSenderAndReceiverDevices(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := s.dial(t, "alice"), s.dial(t, "alice")
	c3, c4 := s.dial(t, "bob"), s.dial(t, "carol")
	register(t, c1, "alice")
	register(t, c2, "alice")
	register(t, c3, "bob")
	register(t, c4, "carol")

	stored := models.Message{ID: "m1", ChatID: "c1", Seq: 1, SenderID: "alice", Text: "hello"}
	s.chats.On("GetMessage", mock.Anything, "m1").Return(stored, nil).Once()
	s.chats.On("IsParticipant", mock.Anything, "c1", "bob").Return(true, nil).Once()

	send(t, c1, EventSendMessage, map[string]any{
		"receiver_id": "bob",
		"message":     map[string]any{"id": "m1", "sender_id": "alice", "text": "hello"},
	})

	for _, conn := range []*websocket.Conn{c1, c2, c3} {
		f := read(t, conn)
		require.Equal(t, relay.EventDeliverMessage, f.Event)
		var got models.Message
		require.NoError(t, json.Unmarshal(f.Data, &got))
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, "hello", got.Text)
	}
	roundTrip(t, c4)
	s.chats.AssertExpectations(t)
}

func TestInvalidSendMessageIsDroppedSilently(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "mallory")
	bob := s.dial(t, "bob")
	register(t, conn, "mallory")
	register(t, bob, "bob")

	invalid := []map[string]any{
		{"receiver_id": "bob", "message": map[string]any{"id": "m1", "sender_id": "alice"}},
		{"receiver_id": "bob"},
		{"message": map[string]any{"id": "m1", "sender_id": "mallory"}},
		{"receiver_id": "bob", "message": map[string]any{"id": "m1"}},
	}
	for _, data := range invalid {
		send(t, conn, EventSendMessage, data)
		// The next frame is the pong: no error reply, connection still open.
		roundTrip(t, conn)
	}
	roundTrip(t, bob)
	s.chats.AssertNotCalled(t, "GetMessage", mock.Anything, mock.Anything)
}

func TestRegisterSessionMustMatchToken(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "alice")

	send(t, conn, EventRegisterSession, map[string]string{"user_id": "bob"})
	f := read(t, conn)
	assert.Equal(t, relay.EventError, f.Event)
	assert.Contains(t, string(f.Data), "session does not match token")
	assert.False(t, s.presence.IsOnline("bob"))
	assert.Equal(t, 0, s.router.IdentitySize("bob"))
}

func TestUnauthenticatedUpgradeIsRefused(t *testing.T) {
	s := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, relay.EventError, read(t, conn).Event)

	send(t, conn, "no-such-event", nil)
	assert.Equal(t, relay.EventError, read(t, conn).Event)

	roundTrip(t, conn)
}

func TestDisconnectCleansPresenceAndGroups(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "alice")
	register(t, conn, "alice")
	require.True(t, s.presence.IsOnline("alice"))
	require.Equal(t, 1, s.router.IdentitySize("alice"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return !s.presence.IsOnline("alice") && s.router.IdentitySize("alice") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinAndLeaveChatTopic(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "alice")
	s.chats.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil).Once()
	s.chats.On("IsParticipant", mock.Anything, "c2", "alice").Return(false, nil).Once()

	send(t, conn, EventJoinChat, "c1")
	roundTrip(t, conn)
	assert.Equal(t, 1, s.router.TopicSize(relay.ChatTopic("c1")))

	send(t, conn, EventJoinChat, "c2")
	f := read(t, conn)
	assert.Equal(t, relay.EventError, f.Event)
	assert.Equal(t, 0, s.router.TopicSize(relay.ChatTopic("c2")))

	send(t, conn, EventLeaveChat, map[string]string{"chat_id": "c1"})
	roundTrip(t, conn)
	assert.Equal(t, 0, s.router.TopicSize(relay.ChatTopic("c1")))
	s.chats.AssertExpectations(t)
}

func TestDecodeID(t *testing.T) {
	id, err := decodeID([]byte(`"abc"`), "user_id")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	id, err = decodeID([]byte(`{"user_id":"xyz"}`), "user_id")
	require.NoError(t, err)
	assert.Equal(t, "xyz", id)

	_, err = decodeID([]byte(`""`), "user_id")
	assert.Error(t, err)
	_, err = decodeID([]byte(`{"other":"x"}`), "user_id")
	assert.Error(t, err)
	_, err = decodeID([]byte(`42`), "user_id")
	assert.Error(t, err)
}
