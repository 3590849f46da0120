package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-chat/internal/apperr"
	"campus-chat/internal/auth"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "userID"

// AuthMiddleware validates the Authorization header with the session verifier.
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearer(c.GetHeader("Authorization"), "")
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": apperr.CodeUnauthorized, "error": "missing authorization"})
			return
		}

		userID, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": apperr.CodeUnauthorized, "error": "invalid token"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}
