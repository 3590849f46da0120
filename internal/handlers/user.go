package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-chat/internal/apperr"
	"campus-chat/internal/repositories"
)

// UserHandler serves the caller's identity.
type UserHandler struct {
	users repositories.UserRepository
	log   *slog.Logger
}

// NewUserHandler builds a UserHandler.
func NewUserHandler(users repositories.UserRepository, log *slog.Logger) *UserHandler {
	if log == nil {
		log = slog.Default()
	}
	return &UserHandler{users: users, log: log}
}

// Me returns the authenticated user.
func (h *UserHandler) Me(c *gin.Context) {
	userID := userIDFromContext(c)
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			err = fmt.Errorf("user %s: %w", userID, apperr.ErrNotFound)
		}
		writeError(c, h.log, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, user)
}
