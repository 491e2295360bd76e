// Package chat coordinates the durable chat store with the live relay.
//
// Every write reaches the store first. Relaying is attempted afterwards and
// its failures are only logged, so the store stays the single consistent
// view of history and seen-state.
package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"listing-chat/internal/logging"
	"listing-chat/internal/models"
	"listing-chat/internal/observability"
	"listing-chat/internal/relay"
	"listing-chat/internal/repositories"
)

// Relay is the part of relay.Router the service broadcasts through.
type Relay interface {
	Broadcast(ctx context.Context, event relay.Event, userIDs ...string) relay.Result
	BroadcastTopic(ctx context.Context, topic string, event relay.Event) relay.Result
}

// Options tune the service.
type Options struct {
	MaxMessageLength int
	RelayOnAppend    bool
}

// Service implements the chat flows shared by the REST and websocket transports.
type Service struct {
	chats repositories.ChatRepository
	users repositories.UserRepository
	relay Relay
	opts  Options
}

// NewService wires a Service.
func NewService(chats repositories.ChatRepository, users repositories.UserRepository, r Relay, opts Options) *Service {
	return &Service{chats: chats, users: users, relay: r, opts: opts}
}

// ListChats returns the user's chats with the other participant's profile.
func (s *Service) ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	chats, err := s.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return chats, nil
	}

	others := make([]string, 0, len(chats))
	for _, c := range chats {
		others = append(others, c.OtherParticipant(userID))
	}
	profiles, err := s.users.Profiles(ctx, others)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("load chat receivers")
		profiles = nil
	}
	for i := range chats {
		other := chats[i].OtherParticipant(userID)
		profile, ok := profiles[other]
		if !ok {
			profile = models.UserProfile{ID: other}
		}
		chats[i].Receiver = &profile
	}
	return chats, nil
}

// StartChat finds or creates the chat between requester and receiver.
func (s *Service) StartChat(ctx context.Context, requesterID, receiverID string) (models.Chat, bool, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return models.Chat{}, false, &ValidationError{Field: "receiver_id", Reason: "is required"}
	}
	if receiverID == requesterID {
		return models.Chat{}, false, &ValidationError{Field: "receiver_id", Reason: "cannot chat with yourself"}
	}

	chat, created, err := s.chats.FindOrCreateChat(ctx, requesterID, receiverID)
	if err != nil {
		return models.Chat{}, false, translate(err)
	}
	if created {
		s.publish(ctx, "chat_created", map[string]any{
			"chat_id":         chat.ID,
			"participant_ids": chat.ParticipantIDs,
		})
	}
	return chat, created, nil
}

// OpenChat returns the chat with its history and marks it read for userID.
// Connections that have the chat open are told about the new seen-state.
func (s *Service) OpenChat(ctx context.Context, chatID, userID string) (models.Chat, error) {
	chat, err := s.chats.GetChat(ctx, chatID, userID)
	if err != nil {
		return models.Chat{}, translate(err)
	}
	s.relay.BroadcastTopic(ctx, relay.ChatTopic(chat.ID), relay.NewEvent(relay.EventChatSeen, seenEvent(chat, userID)))
	return chat, nil
}

// SendMessage stores a message and then relays it to both participants.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID, text string) (models.Message, error) {
	if err := s.validateText(text); err != nil {
		return models.Message{}, err
	}

	chat, msg, err := s.chats.AppendMessage(ctx, chatID, senderID, text)
	if err != nil {
		return models.Message{}, translate(err)
	}
	logging.Ctx(ctx).Debug().Str("chat_id", chatID).Str("message_id", msg.ID).Int64("seq", msg.Seq).Msg("message stored")

	if s.opts.RelayOnAppend {
		s.relay.Broadcast(ctx, relay.NewEvent(relay.EventDeliverMessage, msg), chat.Participants()...)
	}
	s.publish(ctx, "message_sent", map[string]any{
		"chat_id":    chat.ID,
		"message_id": msg.ID,
		"sender_id":  senderID,
		"seq":        msg.Seq,
	})
	return msg, nil
}

// RelayMessage re-delivers an already stored message on behalf of its
// sender. The stored copy is broadcast, never the claimed one.
func (s *Service) RelayMessage(ctx context.Context, senderID, receiverID string, claimed models.Message) (relay.Result, error) {
	switch {
	case claimed.ID == "":
		return relay.Result{}, &ValidationError{Field: "message", Reason: "id is required"}
	case receiverID == "":
		return relay.Result{}, &ValidationError{Field: "receiver_id", Reason: "is required"}
	case claimed.SenderID == "":
		return relay.Result{}, &ValidationError{Field: "sender_id", Reason: "is required"}
	case claimed.SenderID != senderID:
		return relay.Result{}, ErrForbidden
	}

	stored, err := s.chats.GetMessage(ctx, claimed.ID)
	if err != nil {
		return relay.Result{}, translate(err)
	}
	if stored.SenderID != senderID {
		return relay.Result{}, ErrForbidden
	}
	ok, err := s.chats.IsParticipant(ctx, stored.ChatID, receiverID)
	if err != nil {
		return relay.Result{}, err
	}
	if !ok || receiverID == senderID {
		return relay.Result{}, ErrForbidden
	}

	return s.relay.Broadcast(ctx, relay.NewEvent(relay.EventDeliverMessage, stored), senderID, receiverID), nil
}

// MarkRead adds userID to the chat's seen-state and tells both participants.
func (s *Service) MarkRead(ctx context.Context, chatID, userID string) (models.Chat, error) {
	chat, err := s.chats.MarkRead(ctx, chatID, userID)
	if err != nil {
		return models.Chat{}, translate(err)
	}
	s.relay.Broadcast(ctx, relay.NewEvent(relay.EventChatSeen, seenEvent(chat, userID)), chat.Participants()...)
	s.publish(ctx, "chat_read", map[string]any{
		"chat_id": chat.ID,
		"user_id": userID,
	})
	return chat, nil
}

// AuthorizeChat checks that userID may follow the chat live.
func (s *Service) AuthorizeChat(ctx context.Context, chatID, userID string) error {
	ok, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// UnreadCount returns the number of the user's chats with unseen activity.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.chats.CountUnread(ctx, userID)
}

func (s *Service) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be blank"}
	}
	if s.opts.MaxMessageLength > 0 && utf8.RuneCountInString(text) > s.opts.MaxMessageLength {
		return &ValidationError{Field: "text", Reason: "is too long"}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, name string, payload map[string]any) {
	_ = observability.PublishEvent(ctx, observability.RoutingKeyChatEvents, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: name,
		Payload:   payload,
	})
}

func seenEvent(chat models.Chat, userID string) models.SeenEvent {
	return models.SeenEvent{ChatID: chat.ID, UserID: userID, SeenBy: chat.SeenBy}
}
