package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"listing-chat/internal/auth"
	"listing-chat/internal/chat"
	"listing-chat/internal/logging"
	"listing-chat/internal/models"
	"listing-chat/internal/observability"
	"listing-chat/internal/presence"
	"listing-chat/internal/relay"
)

// ChatService is what the websocket transport needs from chat.Service.
type ChatService interface {
	RelayMessage(ctx context.Context, senderID, receiverID string, msg models.Message) (relay.Result, error)
	AuthorizeChat(ctx context.Context, chatID, userID string) error
}

// Options tune connections.
type Options struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxFrameBytes   int64
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  []string
}

// Handler upgrades authenticated requests and runs the event channel.
type Handler struct {
	verifier *auth.Verifier
	presence *presence.Registry
	router   *relay.Router
	chats    ChatService
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(verifier *auth.Verifier, registry *presence.Registry, router *relay.Router, chats ChatService, opts Options) *Handler {
	h := &Handler{
		verifier: verifier,
		presence: registry,
		router:   router,
		chats:    chats,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handle authenticates, upgrades and serves the connection until it closes.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("listing-chat/ws").Start(c.Request.Context(), "ws.handshake")

	userID, err := h.verifier.Authenticate(c.Request)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		logging.Ctx(ctx).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   logging.RequestIDFromContext(ctx),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	// The connection outlives the handshake request.
	ctx = logging.ContextWithUserID(context.WithoutCancel(ctx), userID)
	client := newClient(conn, info, h.opts)

	observability.IncWSActive()
	publishLifecycle(ctx, info, "ws_connect", "")
	logging.Ctx(ctx).Info().Str("conn_id", info.ConnID).Msg("websocket connected")

	go client.writePump(h.opts)
	h.readPump(ctx, client)
}

func (h *Handler) readPump(ctx context.Context, client *Client) {
	var closeReason string
	defer func() {
		if r := recover(); r != nil {
			closeReason = "panic"
			logging.Ctx(ctx).Error().Interface("panic", r).Str("conn_id", client.ID()).Msg("websocket read loop panicked")
		}
		h.disconnect(ctx, client, closeReason)
	}()

	conn := client.conn
	conn.SetReadLimit(h.opts.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishLifecycle(ctx, client.info, "ws_error", closeReason)
			}
			return
		}
		if !client.limiter.Allow() {
			logging.Ctx(ctx).Warn().Str("conn_id", client.ID()).Msg("websocket event rate exceeded")
			h.reject(ctx, client, "", "rate limited")
			continue
		}
		h.dispatch(ctx, client, data)
	}
}

// disconnect undoes everything the connection registered.
func (h *Handler) disconnect(ctx context.Context, client *Client, reason string) {
	client.close()
	client.conn.Close()
	h.router.Leave(client.ID())
	if userID, offline := h.presence.Unregister(client.ID()); offline {
		logging.Ctx(ctx).Info().Str("user_id", userID).Msg("user went offline")
	}
	observability.SetOnlineUsers(h.presence.OnlineCount())
	observability.DecWSActive()
	publishLifecycle(ctx, client.info, "ws_disconnect", reason)
}

func (h *Handler) dispatch(ctx context.Context, client *Client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
		logging.Ctx(ctx).Warn().Str("conn_id", client.ID()).Msg("dropping malformed websocket frame")
		h.reject(ctx, client, "", errMalformed.Error())
		return
	}
	var err error
	switch msg.Event {
	case EventRegisterSession:
		err = h.registerSession(client, msg.Data)
	case EventSendMessage:
		err = h.sendMessage(ctx, client, msg.Data)
	case EventJoinChat:
		err = h.joinChat(ctx, client, msg.Data)
	case EventLeaveChat:
		err = h.leaveChat(client, msg.Data)
	case EventPing:
		h.emit(ctx, client, relay.NewEvent(relay.EventPong, nil))
	default:
		h.reject(ctx, client, "", "unknown event")
		return
	}
	observability.IncWSEvent(msg.Event)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event", msg.Event).Str("conn_id", client.ID()).Msg("websocket event rejected")
		// An invalid send-message is dropped without a reply.
		if msg.Event != EventSendMessage {
			h.reject(ctx, client, msg.Event, err.Error())
		}
	}
}

func (h *Handler) registerSession(client *Client, data json.RawMessage) error {
	userID, err := decodeID(data, "user_id")
	if err != nil {
		return err
	}
	if userID != client.info.UserID {
		return errors.New("session does not match token")
	}
	if err := h.router.JoinIdentity(userID, client); err != nil {
		return err
	}
	h.presence.Register(userID, client.ID())
	observability.SetOnlineUsers(h.presence.OnlineCount())
	return nil
}

func (h *Handler) sendMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var req sendMessageData
	if err := json.Unmarshal(data, &req); err != nil {
		return errMalformed
	}
	if req.Message == nil {
		return errors.New("message is required")
	}
	res, err := h.chats.RelayMessage(ctx, client.info.UserID, req.ReceiverID, *req.Message)
	if err != nil {
		return err
	}
	logging.Ctx(ctx).Debug().Str("message_id", req.Message.ID).Int("delivered", res.Delivered).Int("dropped", res.Dropped).Msg("message relayed")
	return nil
}

func (h *Handler) joinChat(ctx context.Context, client *Client, data json.RawMessage) error {
	chatID, err := decodeID(data, "chat_id")
	if err != nil {
		return err
	}
	if err := h.chats.AuthorizeChat(ctx, chatID, client.info.UserID); err != nil {
		if errors.Is(err, chat.ErrForbidden) {
			return errors.New("chat not found")
		}
		return err
	}
	h.router.JoinTopic(relay.ChatTopic(chatID), client)
	return nil
}

func (h *Handler) leaveChat(client *Client, data json.RawMessage) error {
	chatID, err := decodeID(data, "chat_id")
	if err != nil {
		return err
	}
	h.router.LeaveTopic(relay.ChatTopic(chatID), client.ID())
	return nil
}

func (h *Handler) reject(ctx context.Context, client *Client, event, reason string) {
	h.emit(ctx, client, relay.NewEvent(relay.EventError, relay.ErrorData{Event: event, Reason: reason}))
}

func (h *Handler) emit(ctx context.Context, client *Client, event relay.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("encode websocket event")
		return
	}
	if !client.Send(payload) {
		logging.Ctx(ctx).Warn().Err(relay.ErrDeliveryDropped).Str("conn_id", client.ID()).Str("event", event.Name).Msg("direct reply dropped")
	}
}
