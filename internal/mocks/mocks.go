package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"listing-chat/internal/models"
	"listing-chat/internal/relay"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) FindOrCreateChat(ctx context.Context, requesterID string, otherID string) (models.Chat, bool, error) {
	args := m.Called(ctx, requesterID, otherID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Bool(1), args.Error(2)
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ChatSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatSummary)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID string, userID string) (models.Chat, error) {
	args := m.Called(ctx, chatID, userID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) AppendMessage(ctx context.Context, chatID string, senderID string, text string) (models.Chat, models.Message, error) {
	args := m.Called(ctx, chatID, senderID, text)
	var (
		chat models.Chat
		msg  models.Message
	)
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	if val := args.Get(1); val != nil {
		msg = val.(models.Message)
	}
	return chat, msg, args.Error(2)
}

func (m *ChatRepositoryMock) MarkRead(ctx context.Context, chatID string, userID string) (models.Chat, error) {
	args := m.Called(ctx, chatID, userID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID string, userID string) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatRepositoryMock) CountUnread(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	args := m.Called(ctx, ids)
	var profiles map[string]models.UserProfile
	if val := args.Get(0); val != nil {
		profiles = val.(map[string]models.UserProfile)
	}
	return profiles, args.Error(1)
}

type RelayMock struct {
	mock.Mock
}

func (m *RelayMock) Broadcast(ctx context.Context, event relay.Event, userIDs ...string) relay.Result {
	args := m.Called(ctx, event, userIDs)
	if val := args.Get(0); val != nil {
		return val.(relay.Result)
	}
	return relay.Result{}
}

func (m *RelayMock) BroadcastTopic(ctx context.Context, topic string, event relay.Event) relay.Result {
	args := m.Called(ctx, topic, event)
	if val := args.Get(0); val != nil {
		return val.(relay.Result)
	}
	return relay.Result{}
}
