package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"listing-chat/internal/chat"
	"listing-chat/internal/presence"
)

// UserHandler serves per-user counters and advisory presence.
type UserHandler struct {
	chats    *chat.Service
	presence *presence.Registry
}

func NewUserHandler(chats *chat.Service, registry *presence.Registry) *UserHandler {
	return &UserHandler{chats: chats, presence: registry}
}

// Notifications returns the number of chats with unseen activity.
func (h *UserHandler) Notifications(c *gin.Context) {
	count, err := h.chats.UnreadCount(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// Presence reports whether a user currently has a live connection.
func (h *UserHandler) Presence(c *gin.Context) {
	userID := c.Param("userId")
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "online": h.presence.IsOnline(userID)})
}
