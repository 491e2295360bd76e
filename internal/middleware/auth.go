package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"listing-chat/internal/auth"
	"listing-chat/internal/logging"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "userID"

// AuthMiddleware verifies the session token from the Authorization header,
// the session cookie or the token query parameter.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := verifier.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		userID, err := verifier.Verify(token)
		if err != nil {
			logging.Ctx(c.Request.Context()).Debug().Err(err).Msg("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Request = c.Request.WithContext(logging.ContextWithUserID(c.Request.Context(), userID))
		c.Next()
	}
}
