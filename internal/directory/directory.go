// Package directory resolves and creates direct chats and answers
// participation questions for the HTTP API and the realtime manager.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"campus-chat/internal/apperr"
	"campus-chat/internal/models"
	"campus-chat/internal/repositories"
	"campus-chat/internal/telemetry"
)

const createTimeout = 5 * time.Second

// Directory is the Chat Directory.
type Directory struct {
	chats             repositories.ChatRepository
	users             repositories.UserRepository
	audit             *telemetry.AuditEmitter
	requireFriendship bool
	log               *slog.Logger

	creating singleflight.Group
}

// Option configures a Directory.
type Option func(*Directory)

// WithAudit emits an audit record whenever a chat is created.
func WithAudit(audit *telemetry.AuditEmitter) Option {
	return func(d *Directory) { d.audit = audit }
}

// WithFriendshipRequired rejects chats between users who are not friends.
func WithFriendshipRequired(required bool) Option {
	return func(d *Directory) { d.requireFriendship = required }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Directory) { d.log = log }
}

// New builds a Directory.
func New(chats repositories.ChatRepository, users repositories.UserRepository, opts ...Option) *Directory {
	d := &Directory{
		chats: chats,
		users: users,
		log:   slog.Default().With("component", "directory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GetOrCreateDirectChat returns the single chat between requester and target,
// creating it on first use.
func (d *Directory) GetOrCreateDirectChat(ctx context.Context, requesterID, targetID string) (models.Chat, error) {
	requesterID = strings.TrimSpace(requesterID)
	targetID = strings.TrimSpace(targetID)
	if requesterID == "" || targetID == "" {
		return models.Chat{}, fmt.Errorf("user id is required: %w", apperr.ErrInvalidInput)
	}
	if requesterID == targetID {
		return models.Chat{}, fmt.Errorf("cannot chat with yourself: %w", apperr.ErrInvalidInput)
	}

	for _, id := range []string{requesterID, targetID} {
		if _, err := d.users.GetUser(ctx, id); err != nil {
			if errors.Is(err, repositories.ErrUserNotFound) {
				return models.Chat{}, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
			}
			return models.Chat{}, fmt.Errorf("lookup user %s: %w", id, err)
		}
	}

	if d.requireFriendship {
		friends, err := d.users.AreFriends(ctx, requesterID, targetID)
		if err != nil {
			return models.Chat{}, fmt.Errorf("check friendship: %w", err)
		}
		if !friends {
			return models.Chat{}, fmt.Errorf("users are not friends: %w", apperr.ErrForbidden)
		}
	}

	// Callers racing on the same pair share one upsert; other processes are
	// reconciled by the unique pair key. The shared upsert is detached from
	// any single caller's cancellation and each caller waits on its own ctx.
	key := models.ParticipantKey(requesterID, targetID)
	flight := d.creating.DoChan(key, func() (interface{}, error) {
		upsertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		chat, created, err := d.chats.UpsertChat(upsertCtx, []string{requesterID, targetID})
		if err != nil {
			return models.Chat{}, err
		}
		if created {
			d.log.Info("chat created", "chat_id", chat.ID, "requester_id", requesterID)
			d.audit.Emit(upsertCtx, "INFO", "chat created", "", requesterID, map[string]any{
				"chat_id":      chat.ID,
				"participants": []string(chat.Participants),
			})
		}
		return chat, nil
	})

	select {
	case <-ctx.Done():
		return models.Chat{}, fmt.Errorf("create chat: %w", ctx.Err())
	case res := <-flight:
		if res.Err != nil {
			return models.Chat{}, fmt.Errorf("create chat: %w", res.Err)
		}
		return res.Val.(models.Chat), nil
	}
}

// GetChatByID returns the chat when requesterID participates in it.
func (d *Directory) GetChatByID(ctx context.Context, chatID, requesterID string) (models.Chat, error) {
	if err := ValidateChatID(chatID); err != nil {
		return models.Chat{}, err
	}
	chat, err := d.chats.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, repositories.ErrChatNotFound) {
			return models.Chat{}, fmt.Errorf("chat %s: %w", chatID, apperr.ErrNotFound)
		}
		return models.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if !chat.HasParticipant(requesterID) {
		return models.Chat{}, fmt.Errorf("chat %s: %w", chatID, apperr.ErrForbidden)
	}
	return chat, nil
}

// IsParticipant reports whether userID may join chatID's room.
func (d *Directory) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	if err := ValidateChatID(chatID); err != nil {
		return false, err
	}
	ok, err := d.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

// ListChats returns the user's chats, most recent activity first.
func (d *Directory) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	chats, err := d.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// ValidateChatID rejects ids that are not UUIDs.
func ValidateChatID(chatID string) error {
	if _, err := uuid.Parse(chatID); err != nil {
		return fmt.Errorf("malformed chat id %q: %w", chatID, apperr.ErrInvalidInput)
	}
	return nil
}
