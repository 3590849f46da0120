// Package typing tracks which users are composing a message in each chat.
// State is process local and ephemeral.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTTL clears an indicator that has not been refreshed.
const DefaultTTL = 6 * time.Second

// Expired identifies an indicator removed by the sweeper.
type Expired struct {
	ChatID string
	UserID string
}

// Mirror receives a copy of every transition, e.g. to expose typing state to
// other instances. Failures are logged and otherwise ignored.
type Mirror interface {
	Add(ctx context.Context, chatID, userID string, ttl time.Duration) error
	Remove(ctx context.Context, chatID, userID string) error
}

type room struct {
	mu      sync.Mutex
	typers  map[string]time.Time // userID -> deadline
	retired bool
}

// Tracker holds per-chat typing sets. Each chat has its own lock; the
// outer lock only guards the chat index.
type Tracker struct {
	ttl    time.Duration
	now    func() time.Time
	mirror Mirror
	log    *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets how long an indicator survives without a refresh.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMirror attaches a mirror.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   slog.Default().With("component", "typing"),
		rooms: make(map[string]*room),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the configured expiry.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// withRoom runs fn with the chat's room locked, creating it when create is set.
// fn is not called when the room does not exist and create is false.
func (t *Tracker) withRoom(chatID string, create bool, fn func(r *room)) {
	for {
		t.mu.RLock()
		r := t.rooms[chatID]
		t.mu.RUnlock()

		if r == nil {
			if !create {
				return
			}
			t.mu.Lock()
			r = t.rooms[chatID]
			if r == nil {
				r = &room{typers: make(map[string]time.Time)}
				t.rooms[chatID] = r
			}
			t.mu.Unlock()
		}

		r.mu.Lock()
		if r.retired {
			// removed between lookup and lock; look it up again
			r.mu.Unlock()
			continue
		}
		fn(r)
		empty := len(r.typers) == 0
		r.mu.Unlock()

		if empty {
			t.retire(chatID, r)
		}
		return
	}
}

func (t *Tracker) retire(chatID string, r *room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.typers) == 0 && t.rooms[chatID] == r {
		r.retired = true
		delete(t.rooms, chatID)
	}
}

// Set records a typing signal and reports whether it changed the user's state.
// A repeated true refreshes the deadline without counting as a change.
func (t *Tracker) Set(ctx context.Context, chatID, userID string, typing bool) bool {
	if !typing {
		return t.Clear(ctx, chatID, userID)
	}

	changed := false
	t.withRoom(chatID, true, func(r *room) {
		_, was := r.typers[userID]
		r.typers[userID] = t.now().Add(t.ttl)
		changed = !was
	})
	if t.mirror != nil {
		if err := t.mirror.Add(ctx, chatID, userID, t.ttl); err != nil {
			t.log.Warn("typing mirror add failed", "chat_id", chatID, "user_id", userID, "error", err)
		}
	}
	return changed
}

// Clear removes the user's indicator in one chat and reports whether it was set.
func (t *Tracker) Clear(ctx context.Context, chatID, userID string) bool {
	removed := false
	t.withRoom(chatID, false, func(r *room) {
		if _, ok := r.typers[userID]; ok {
			delete(r.typers, userID)
			removed = true
		}
	})
	if removed && t.mirror != nil {
		if err := t.mirror.Remove(ctx, chatID, userID); err != nil {
			t.log.Warn("typing mirror remove failed", "chat_id", chatID, "user_id", userID, "error", err)
		}
	}
	return removed
}

// ClearUser removes the user from every listed chat and returns the chats in
// which an indicator was actually cleared.
func (t *Tracker) ClearUser(ctx context.Context, userID string, chatIDs []string) []string {
	var cleared []string
	for _, chatID := range chatIDs {
		if t.Clear(ctx, chatID, userID) {
			cleared = append(cleared, chatID)
		}
	}
	return cleared
}

// Typing returns the sorted ids currently typing in chatID.
func (t *Tracker) Typing(chatID string) []string {
	var users []string
	t.withRoom(chatID, false, func(r *room) {
		users = make([]string, 0, len(r.typers))
		for id := range r.typers {
			users = append(users, id)
		}
	})
	sort.Strings(users)
	return users
}

// Sweep removes indicators whose deadline has passed.
func (t *Tracker) Sweep(ctx context.Context) []Expired {
	t.mu.RLock()
	chatIDs := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		chatIDs = append(chatIDs, id)
	}
	t.mu.RUnlock()
	sort.Strings(chatIDs)

	now := t.now()
	var expired []Expired
	for _, chatID := range chatIDs {
		var users []string
		t.withRoom(chatID, false, func(r *room) {
			for userID, deadline := range r.typers {
				if !now.Before(deadline) {
					delete(r.typers, userID)
					users = append(users, userID)
				}
			}
		})
		sort.Strings(users)
		for _, userID := range users {
			expired = append(expired, Expired{ChatID: chatID, UserID: userID})
			if t.mirror != nil {
				if err := t.mirror.Remove(ctx, chatID, userID); err != nil {
					t.log.Warn("typing mirror remove failed", "chat_id", chatID, "user_id", userID, "error", err)
				}
			}
		}
	}
	return expired
}

// Run sweeps every interval until ctx is done, handing expirations to onExpire.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onExpire func([]Expired)) {
	if interval <= 0 {
		interval = t.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := t.Sweep(ctx); len(expired) > 0 && onExpire != nil {
				onExpire(expired)
			}
		}
	}
}
