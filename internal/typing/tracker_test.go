package typing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMirror struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (m *recordingMirror) Add(_ context.Context, chatID, userID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, chatID+"/"+userID)
	return nil
}

func (m *recordingMirror) Remove(_ context.Context, chatID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, chatID+"/"+userID)
	return fmt.Errorf("redis down")
}

func TestSetReportsTransitionsOnly(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()

	assert.True(t, tr.Set(ctx, "c1", "alice", true))
	assert.False(t, tr.Set(ctx, "c1", "alice", true), "refresh is not a transition")
	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))

	assert.True(t, tr.Set(ctx, "c1", "alice", false))
	assert.False(t, tr.Set(ctx, "c1", "alice", false), "stop is cleared exactly once")
	assert.Empty(t, tr.Typing("c1"))
}

func TestTypingDoesNotLeakAcrossChats(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()

	tr.Set(ctx, "c1", "alice", true)
	tr.Set(ctx, "c2", "bob", true)

	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))
	assert.Equal(t, []string{"bob"}, tr.Typing("c2"))
	assert.False(t, tr.Clear(ctx, "c2", "alice"))
	assert.Equal(t, []string{"bob"}, tr.Typing("c2"))
}

func TestClearUserReturnsOnlyClearedChats(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()

	tr.Set(ctx, "c1", "alice", true)
	tr.Set(ctx, "c3", "alice", true)

	cleared := tr.ClearUser(ctx, "alice", []string{"c1", "c2", "c3"})
	assert.Equal(t, []string{"c1", "c3"}, cleared)
	assert.Empty(t, tr.ClearUser(ctx, "alice", []string{"c1", "c2", "c3"}))
}

func TestSweepExpiresStaleIndicators(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(WithTTL(5*time.Second), WithClock(clock.Now))

	tr.Set(ctx, "c1", "alice", true)
	clock.Advance(3 * time.Second)
	tr.Set(ctx, "c1", "bob", true)
	assert.Empty(t, tr.Sweep(ctx))

	clock.Advance(2 * time.Second)
	assert.Equal(t, []Expired{{ChatID: "c1", UserID: "alice"}}, tr.Sweep(ctx))
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))

	// a refresh pushes the deadline out
	tr.Set(ctx, "c1", "bob", true)
	clock.Advance(4 * time.Second)
	assert.Empty(t, tr.Sweep(ctx))
	clock.Advance(time.Second)
	assert.Equal(t, []Expired{{ChatID: "c1", UserID: "bob"}}, tr.Sweep(ctx))
	assert.False(t, tr.Clear(ctx, "c1", "bob"), "expired indicator is not cleared twice")
}

func TestRunInvokesCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTracker(WithTTL(10 * time.Millisecond))
	tr.Set(ctx, "c1", "alice", true)

	got := make(chan []Expired, 1)
	go tr.Run(ctx, 5*time.Millisecond, func(e []Expired) {
		select {
		case got <- e:
		default:
		}
	})

	select {
	case e := <-got:
		require.Equal(t, []Expired{{ChatID: "c1", UserID: "alice"}}, e)
	case <-time.After(time.Second):
		t.Fatal("expiry not reported")
	}
}

func TestMirrorFailuresDoNotAffectState(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	tr := NewTracker(WithMirror(mirror))

	require.True(t, tr.Set(ctx, "c1", "alice", true))
	require.True(t, tr.Clear(ctx, "c1", "alice"))
	assert.Equal(t, []string{"c1/alice"}, mirror.added)
	assert.Equal(t, []string{"c1/alice"}, mirror.removed)
	assert.Empty(t, tr.Typing("c1"))
}

func TestConcurrentUpdatesAreSafe(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chatID := fmt.Sprintf("c%d", i%3)
			user := fmt.Sprintf("u%d", i)
			tr.Set(ctx, chatID, user, true)
			tr.Typing(chatID)
			tr.Clear(ctx, chatID, user)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 3; i++ {
		assert.Empty(t, tr.Typing(fmt.Sprintf("c%d", i)))
	}
}
