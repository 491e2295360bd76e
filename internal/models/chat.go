package models

import "time"

// Chat represents a private chat between exactly two users.
type Chat struct {
	ID             string     `db:"id" json:"id"`
	User1ID        string     `db:"user1_id" json:"-"`
	User2ID        string     `db:"user2_id" json:"-"`
	ParticipantIDs []string   `db:"-" json:"participant_ids"`
	SeenBy         []string   `db:"-" json:"seen_by"`
	LastMessage    string     `db:"last_message" json:"last_message"`
	LastMessageAt  *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	Messages       []Message  `db:"-" json:"-"`
}

// Participants returns the two participant ids in stored order.
func (c Chat) Participants() []string {
	return []string{c.User1ID, c.User2ID}
}

// HasParticipant reports whether userID is one of the two participants.
func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c Chat) OtherParticipant(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// SeenByUser reports whether userID has seen the latest state of the chat.
func (c Chat) SeenByUser(userID string) bool {
	for _, id := range c.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatDetail is a chat together with its full history.
type ChatDetail struct {
	Chat
	Messages []Message `json:"messages"`
}

// NewChatDetail builds the detail view of chat. Messages is never nil.
func NewChatDetail(chat Chat) ChatDetail {
	msgs := chat.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return ChatDetail{Chat: chat, Messages: msgs}
}

// ChatSummary is the list view of a chat for one user.
type ChatSummary struct {
	Chat
	Seen     bool         `json:"seen"`
	Receiver *UserProfile `json:"receiver,omitempty"`
}

// UserProfile is the public part of a marketplace user.
type UserProfile struct {
	ID       string `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	Avatar   string `db:"avatar" json:"avatar,omitempty"`
}
