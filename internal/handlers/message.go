package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"listing-chat/internal/chat"
)

// MessageHandler stores chat messages.
type MessageHandler struct {
	chats *chat.Service
}

func NewMessageHandler(chats *chat.Service) *MessageHandler {
	return &MessageHandler{chats: chats}
}

// AddMessage appends a message to the chat and relays it to both participants.
func (h *MessageHandler) AddMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chats.SendMessage(c.Request.Context(), c.Param("chatId"), currentUser(c), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
