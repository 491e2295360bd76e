package handlers

import (
	"github.com/gin-gonic/gin"

	"listing-chat/internal/logging"
	"listing-chat/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	requestID := logging.NewRequestID()
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if id := currentUser(c); id != "" {
		return &id
	}
	return nil
}

func currentUser(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}
