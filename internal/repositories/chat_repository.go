package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"campus-chat/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	UpsertChat(ctx context.Context, participants []string) (models.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID string, userID string) (bool, error)
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const chatColumns = `id, pair_key, participants, created_at, last_activity_at`

// UpsertChat returns the chat for the participant set, inserting it when it
// does not exist. The unique pair_key index makes concurrent callers converge
// on one row; the boolean reports whether this call inserted it.
func (r *ChatRepo) UpsertChat(ctx context.Context, participants []string) (models.Chat, bool, error) {
	sorted := models.SortedParticipants(participants...)
	key := models.ParticipantKey(sorted...)

	var row struct {
		models.Chat
		Inserted bool `db:"inserted"`
	}
	query := `INSERT INTO chats (id, pair_key, participants) VALUES ($1, $2, $3)
        ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
        RETURNING ` + chatColumns + `, (xmax = 0) AS inserted`
	if err := r.db.QueryRowxContext(ctx, query, uuid.NewString(), key, pq.StringArray(sorted)).StructScan(&row); err != nil {
		return models.Chat{}, false, fmt.Errorf("upsert chat: %w", err)
	}
	return row.Chat, row.Inserted, nil
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND $2 = ANY(participants))`, chatID, userID)
	return exists, err
}

// ListChats returns the user's chats, most recently active first.
func (r *ChatRepo) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	chats := []models.Chat{}
	err := r.db.SelectContext(ctx, &chats, `SELECT `+chatColumns+` FROM chats
        WHERE participants @> ARRAY[$1]::TEXT[]
        ORDER BY last_activity_at DESC, id`, userID)
	return chats, err
}
