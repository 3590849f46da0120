package typing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps a chat:{id}:typing set in Redis alongside the tracker.
type RedisMirror struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisMirror wraps a Redis client.
func NewRedisMirror(client redis.Cmdable) *RedisMirror {
	return &RedisMirror{client: client, timeout: time.Second}
}

func typingKey(chatID string) string {
	return fmt.Sprintf("chat:%s:typing", chatID)
}

// Add inserts the user and extends the key's expiry.
func (m *RedisMirror) Add(ctx context.Context, chatID, userID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, typingKey(chatID), userID)
	pipe.Expire(ctx, typingKey(chatID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes the user from the set.
func (m *RedisMirror) Remove(ctx context.Context, chatID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.SRem(ctx, typingKey(chatID), userID).Err()
}
