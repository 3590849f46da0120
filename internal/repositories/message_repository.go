package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"campus-chat/internal/models"
)

// MessageRepository is the ordered per-chat message log.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores msg and bumps the chat's last activity in one statement.
// The caller assigns ID and CreatedAt; the store assigns Seq.
func (r *MessageRepo) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	query := `WITH inserted AS (
            INSERT INTO messages (id, chat_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4, $5)
            RETURNING id, seq, chat_id, sender_id, content, created_at
        ), touched AS (
            UPDATE chats SET last_activity_at = inserted.created_at FROM inserted WHERE chats.id = inserted.chat_id
        )
        SELECT id, seq, chat_id, sender_id, content, created_at FROM inserted`

	var stored models.Message
	if err := r.db.QueryRowxContext(ctx, query, msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.CreatedAt).StructScan(&stored); err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	return stored, nil
}

// ListMessages returns the chat history in (created_at, seq) order.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, seq, chat_id, sender_id, content, created_at
        FROM messages WHERE chat_id=$1
        ORDER BY created_at ASC, seq ASC`, chatID)
	return msgs, err
}
