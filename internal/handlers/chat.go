package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"listing-chat/internal/chat"
	"listing-chat/internal/logging"
	"listing-chat/internal/models"
	"listing-chat/internal/telemetry"
)

// ChatHandler manages private chat endpoints.
type ChatHandler struct {
	chats   *chat.Service
	emitter *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. emitter may be nil.
func NewChatHandler(chats *chat.Service, emitter *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{chats: chats, emitter: emitter}
}

// ListChats returns the chats visible to the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chats.ListChats(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat returns one chat with its messages and marks it read.
func (h *ChatHandler) GetChat(c *gin.Context) {
	result, err := h.chats.OpenChat(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewChatDetail(result))
}

// AddChat creates or returns the chat with receiver_id.
func (h *ChatHandler) AddChat(c *gin.Context) {
	var req struct {
		ReceiverID string `json:"receiver_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := currentUser(c)
	result, created, err := h.chats.StartChat(c.Request.Context(), userID, req.ReceiverID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, result)
		return
	}
	h.emitter.Emit(c.Request.Context(), "INFO", "chat created", requestIDFromContext(c), userIDFromContext(c),
		map[string]string{"chat_id": result.ID, "receiver_id": req.ReceiverID})
	c.JSON(http.StatusCreated, result)
}

// ReadChat marks the chat as seen by the caller.
func (h *ChatHandler) ReadChat(c *gin.Context) {
	result, err := h.chats.MarkRead(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case chat.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	default:
		logging.Ctx(c.Request.Context()).Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
