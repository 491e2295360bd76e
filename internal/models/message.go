package models

import "time"

// Message represents a chat message. Messages are append-only.
type Message struct {
	ID        string    `db:"id" json:"id"`
	ChatID    string    `db:"chat_id" json:"chat_id"`
	Seq       int64     `db:"seq" json:"seq"`
	SenderID  string    `db:"sender_id" json:"sender_id"`
	Text      string    `db:"text" json:"text"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SeenEvent is relayed when a participant marks a chat as read.
type SeenEvent struct {
	ChatID string   `json:"chat_id"`
	UserID string   `json:"user_id"`
	SeenBy []string `json:"seen_by"`
}
