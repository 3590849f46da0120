package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"campus-chat/internal/apperr"
	"campus-chat/internal/directory"
	"campus-chat/internal/models"
	"campus-chat/internal/repositories"
)

// ChatHandler manages direct chat endpoints.
type ChatHandler struct {
	directory *directory.Directory
	messages  repositories.MessageRepository
	users     repositories.UserRepository
	log       *slog.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(dir *directory.Directory, messages repositories.MessageRepository, users repositories.UserRepository, log *slog.Logger) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{directory: dir, messages: messages, users: users, log: log}
}

type chatSummary struct {
	ChatID         string        `json:"chatId"`
	Participants   []models.User `json:"participants"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

type chatDetail struct {
	ChatID       string           `json:"chatId"`
	Participants []models.User    `json:"participants"`
	Messages     []models.Message `json:"messages"`
}

// StartChat creates or returns the direct chat with the target user.
func (h *ChatHandler) StartChat(c *gin.Context) {
	var req struct {
		TargetUserID string `json:"targetUserId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperr.CodeInvalidInput, "error": "targetUserId is required"})
		return
	}

	chat, err := h.directory.GetOrCreateDirectChat(c.Request.Context(), userIDFromContext(c), req.TargetUserID)
	if err != nil {
		writeError(c, h.log, err, "could not create chat")
		return
	}

	c.JSON(http.StatusOK, gin.H{"chatId": chat.ID})
}

// ListChats returns the chats visible to the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.directory.ListChats(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, h.log, err, "failed to load chats")
		return
	}

	ids := lo.Uniq(lo.FlatMap(chats, func(chat models.Chat, _ int) []string {
		return chat.Participants
	}))
	byID, err := h.usersByID(c, ids)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": apperr.CodeTransient, "error": "failed to load user info"})
		return
	}

	responses := lo.Map(chats, func(chat models.Chat, _ int) chatSummary {
		return chatSummary{
			ChatID:         chat.ID,
			Participants:   resolveUsers(chat.Participants, byID),
			LastActivityAt: chat.LastActivityAt,
		}
	})

	c.JSON(http.StatusOK, gin.H{"chats": responses})
}

// GetChat returns chat details with the full message history.
func (h *ChatHandler) GetChat(c *gin.Context) {
	ctx := c.Request.Context()
	chat, err := h.directory.GetChatByID(ctx, c.Param("chat_id"), userIDFromContext(c))
	if err != nil {
		writeError(c, h.log, err, "failed to load chat")
		return
	}

	msgs, err := h.messages.ListMessages(ctx, chat.ID)
	if err != nil {
		writeError(c, h.log, err, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	byID, err := h.usersByID(c, chat.Participants)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": apperr.CodeTransient, "error": "failed to load participants"})
		return
	}

	c.JSON(http.StatusOK, chatDetail{
		ChatID:       chat.ID,
		Participants: resolveUsers(chat.Participants, byID),
		Messages:     msgs,
	})
}

func (h *ChatHandler) usersByID(c *gin.Context, ids []string) (map[string]models.User, error) {
	if len(ids) == 0 {
		return map[string]models.User{}, nil
	}
	users, err := h.users.BulkUsers(c.Request.Context(), ids)
	if err != nil {
		h.log.Warn("bulk user lookup failed", "count", len(ids), "error", err)
		return nil, err
	}
	return lo.KeyBy(users, func(u models.User) string { return u.ID }), nil
}

// resolveUsers keeps participant order; unknown ids come back without a name.
func resolveUsers(ids []string, byID map[string]models.User) []models.User {
	return lo.Map(ids, func(id string, _ int) models.User {
		if u, ok := byID[id]; ok {
			return u
		}
		return models.User{ID: id}
	})
}
