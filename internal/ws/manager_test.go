package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/apperr"
	"campus-chat/internal/auth"
	"campus-chat/internal/models"
	"campus-chat/internal/typing"
)

const (
	chatAB    = "6f2d3c1a-8b4e-4f5a-9c7d-1e2f3a4b5c6d"
	chatOther = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
)

type memberships map[string][]string

func (m memberships) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	for _, id := range m[chatID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type memoryStore struct {
	mu   sync.Mutex
	seq  int64
	msgs []models.Message
	fail error
}

func (s *memoryStore) AppendMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return models.Message{}, s.fail
	}
	s.seq++
	msg.Seq = s.seq
	s.msgs = append(s.msgs, msg)
	return msg, nil
}

func (s *memoryStore) ListMessages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

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

type testEnv struct {
	server   *httptest.Server
	manager  *Manager
	store    *memoryStore
	tracker  *typing.Tracker
	clock    *fakeClock
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := typing.NewTracker(typing.WithClock(clock.Now), typing.WithLogger(log))
	store := &memoryStore{}
	authz := memberships{
		chatAB:    {"alice", "bob"},
		chatOther: {"carol", "dave"},
	}
	manager := NewManager(NewHub(), authz, store, tracker, opts, log)
	verifier := auth.NewJWTVerifier("test-secret", "")

	router := gin.New()
	router.GET("/ws", NewHandler(context.Background(), manager, verifier).Handle)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		manager.Shutdown()
		server.Close()
	})

	return &testEnv{server: server, manager: manager, store: store, tracker: tracker, clock: clock, verifier: verifier}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is a decoded server event. "message" is an object on message
// events and a string on error events.
type frame struct {
	Type     string          `json:"type"`
	ChatID   string          `json:"chatId"`
	Code     string          `json:"code"`
	UserID   string          `json:"userId"`
	IsTyping bool            `json:"isTyping"`
	Raw      json.RawMessage `json:"message"`

	Message models.Message `json:"-"`
	Text    string         `json:"-"`
}

func emit(t *testing.T, conn *websocket.Conn, ev map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	switch f.Type {
	case models.EventMessage:
		require.NoError(t, json.Unmarshal(f.Raw, &f.Message))
	case models.EventError:
		require.NoError(t, json.Unmarshal(f.Raw, &f.Text))
	}
	return f
}

func join(t *testing.T, conn *websocket.Conn, chatID string) {
	t.Helper()
	emit(t, conn, map[string]interface{}{"type": "join_chat", "chatId": chatID})
	f := next(t, conn)
	require.Equal(t, models.EventJoined, f.Type, "unexpected frame %+v", f)
	require.Equal(t, chatID, f.ChatID)
}

func say(t *testing.T, conn *websocket.Conn, chatID, content string) {
	t.Helper()
	emit(t, conn, map[string]interface{}{"type": "sendMessage", "chatId": chatID, "content": content})
}

func setTyping(t *testing.T, conn *websocket.Conn, chatID string, on bool) {
	t.Helper()
	emit(t, conn, map[string]interface{}{"type": "typing", "chatId": chatID, "isTyping": on})
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, apperr.CodeUnauthorized, body["code"])
}

func TestHandshakeRejectsForgedToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	forged, err := auth.NewJWTVerifier("other-secret", "").Issue("alice", time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + forged}}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessageReachesEveryMemberOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	say(t, alice, chatAB, "  hello bob  ")

	fa, fb := next(t, alice), next(t, bob)
	require.Equal(t, models.EventMessage, fa.Type)
	require.Equal(t, models.EventMessage, fb.Type)
	assert.Equal(t, fa.Message.ID, fb.Message.ID)
	assert.Equal(t, "hello bob", fb.Message.Content)
	assert.Equal(t, "alice", fb.Message.SenderID)
	assert.Equal(t, chatAB, fb.ChatID)
	assert.Equal(t, int64(1), fb.Message.Seq)
	assert.Equal(t, 1, env.store.count())
}

func TestJoinRequiresParticipation(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, "alice")

	emit(t, alice, map[string]interface{}{"type": "join_chat", "chatId": chatOther})
	f := next(t, alice)
	assert.Equal(t, models.EventError, f.Type)
	assert.Equal(t, apperr.CodeForbidden, f.Code)
	assert.Equal(t, chatOther, f.ChatID)
	assert.Equal(t, 0, env.manager.Hub().RoomSize(chatOther))
}

func TestJoinTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, "alice")
	join(t, alice, chatAB)
	join(t, alice, chatAB)
	assert.Equal(t, 1, env.manager.Hub().RoomSize(chatAB))
}

func TestSendWithoutJoinIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, "alice")

	say(t, alice, chatAB, "hi")
	f := next(t, alice)
	assert.Equal(t, models.EventError, f.Type)
	assert.Equal(t, apperr.CodeForbidden, f.Code)
	assert.Equal(t, 0, env.store.count())
}

func TestInvalidContentIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{MaxMessageLength: 10})
	alice := env.dial(t, "alice")
	join(t, alice, chatAB)

	for _, content := range []string{"", "   \n\t", strings.Repeat("é", 11)} {
		say(t, alice, chatAB, content)
		f := next(t, alice)
		assert.Equal(t, models.EventError, f.Type)
		assert.Equal(t, apperr.CodeInvalidInput, f.Code, "content %q", content)
	}

	say(t, alice, chatAB, strings.Repeat("é", 10))
	assert.Equal(t, models.EventMessage, next(t, alice).Type)
	assert.Equal(t, 1, env.store.count())
}

func TestMalformedEventsAreRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, apperr.CodeInvalidInput, next(t, alice).Code)

	emit(t, alice, map[string]interface{}{"type": "dance", "chatId": chatAB})
	assert.Equal(t, apperr.CodeInvalidInput, next(t, alice).Code)

	emit(t, alice, map[string]interface{}{"type": "join_chat", "chatId": "42"})
	assert.Equal(t, apperr.CodeInvalidInput, next(t, alice).Code)

	// the session survives bad input
	join(t, alice, chatAB)
}

func TestStoreFailureIsNotBroadcast(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	env.store.setFail(errors.New("connection refused"))
	say(t, alice, chatAB, "lost")
	f := next(t, alice)
	assert.Equal(t, models.EventError, f.Type)
	assert.Equal(t, apperr.CodeTransient, f.Code)
	assert.NotContains(t, f.Text, "connection refused")

	setTyping(t, alice, chatAB, true)
	fb := next(t, bob)
	assert.Equal(t, models.EventTyping, fb.Type)
}

func TestConcurrentSendersObserveSameOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	const perSender = 15
	var wg sync.WaitGroup
	for _, conn := range []*websocket.Conn{alice, bob} {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_ = conn.WriteJSON(map[string]interface{}{"type": "sendMessage", "chatId": chatAB, "content": "msg"})
			}
		}(conn)
	}
	wg.Wait()

	collect := func(conn *websocket.Conn) []models.Message {
		var out []models.Message
		for len(out) < 2*perSender {
			f := next(t, conn)
			require.Equal(t, models.EventMessage, f.Type)
			out = append(out, f.Message)
		}
		return out
	}
	seenByAlice, seenByBob := collect(alice), collect(bob)

	require.Len(t, seenByBob, len(seenByAlice))
	for i := range seenByAlice {
		assert.Equal(t, seenByAlice[i].ID, seenByBob[i].ID)
		if i > 0 {
			assert.True(t, seenByAlice[i-1].Before(seenByAlice[i]), "delivery order must match store order")
		}
	}

	stored, err := env.store.ListMessages(context.Background(), chatAB)
	require.NoError(t, err)
	for i := range stored {
		assert.Equal(t, stored[i].ID, seenByAlice[i].ID)
	}
}

func TestTypingIsNotEchoedToSender(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	setTyping(t, alice, chatAB, true)
	f := next(t, bob)
	assert.Equal(t, models.EventTyping, f.Type)
	assert.Equal(t, "alice", f.UserID)
	assert.True(t, f.IsTyping)

	// alice's next frame is the join ack, not her own typing event
	join(t, alice, chatAB)
}

func TestTypingOnlyBroadcastsTransitions(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	setTyping(t, alice, chatAB, true)
	setTyping(t, alice, chatAB, true)
	setTyping(t, alice, chatAB, false)
	setTyping(t, alice, chatAB, false)
	say(t, alice, chatAB, "done")

	assert.True(t, next(t, bob).IsTyping)
	stop := next(t, bob)
	assert.Equal(t, models.EventTyping, stop.Type)
	assert.False(t, stop.IsTyping)
	assert.Equal(t, models.EventMessage, next(t, bob).Type)
}

func TestSendClearsTyping(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	setTyping(t, alice, chatAB, true)
	assert.True(t, next(t, bob).IsTyping)

	say(t, alice, chatAB, "hi")
	stop := next(t, bob)
	assert.Equal(t, models.EventTyping, stop.Type)
	assert.False(t, stop.IsTyping)
	assert.Equal(t, models.EventMessage, next(t, bob).Type)
	assert.Equal(t, models.EventMessage, next(t, alice).Type)
	assert.Empty(t, env.tracker.Typing(chatAB))
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	setTyping(t, alice, chatAB, true)
	assert.True(t, next(t, bob).IsTyping)

	env.clock.Advance(typing.DefaultTTL + time.Second)
	env.manager.ExpireTyping(env.tracker.Sweep(context.Background()))

	f := next(t, bob)
	assert.Equal(t, models.EventTyping, f.Type)
	assert.Equal(t, "alice", f.UserID)
	assert.False(t, f.IsTyping)
}

func TestDisconnectClearsTyping(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	setTyping(t, alice, chatAB, true)
	assert.True(t, next(t, bob).IsTyping)

	require.NoError(t, alice.Close())

	f := next(t, bob)
	assert.Equal(t, models.EventTyping, f.Type)
	assert.False(t, f.IsTyping)
	assert.Eventually(t, func() bool { return env.manager.Hub().RoomSize(chatAB) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveStopsDelivery(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.dial(t, "alice"), env.dial(t, "bob")
	join(t, alice, chatAB)
	join(t, bob, chatAB)

	emit(t, bob, map[string]interface{}{"type": "leave_chat", "chatId": chatAB})
	setTyping(t, bob, chatAB, true)
	require.Equal(t, apperr.CodeForbidden, next(t, bob).Code)

	say(t, alice, chatAB, "anyone?")
	assert.Equal(t, models.EventMessage, next(t, alice).Type)

	setTyping(t, bob, chatAB, true)
	f := next(t, bob)
	assert.Equal(t, models.EventError, f.Type, "bob must not receive messages after leaving")
}

func TestRateLimitedSession(t *testing.T) {
	env := newTestEnv(t, Options{EventRate: 0.01, EventBurst: 2})
	alice := env.dial(t, "alice")
	join(t, alice, chatAB)

	setTyping(t, alice, chatAB, true)
	setTyping(t, alice, chatAB, false)
	f := next(t, alice)
	assert.Equal(t, models.EventError, f.Type)
	assert.Equal(t, apperr.CodeRateLimited, f.Code)
}

func TestRateLimitCoversMalformedFrames(t *testing.T) {
	env := newTestEnv(t, Options{EventRate: 0.01, EventBurst: 2})
	alice := env.dial(t, "alice")

	for i := 0; i < 2; i++ {
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
		assert.Equal(t, apperr.CodeInvalidInput, next(t, alice).Code)
	}
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, apperr.CodeRateLimited, next(t, alice).Code)
}

func TestClosingOneTabKeepsUserTyping(t *testing.T) {
	env := newTestEnv(t, Options{})
	desktop, phone, bob := env.dial(t, "alice"), env.dial(t, "alice"), env.dial(t, "bob")
	join(t, desktop, chatAB)
	join(t, phone, chatAB)
	join(t, bob, chatAB)

	setTyping(t, desktop, chatAB, true)
	assert.True(t, next(t, bob).IsTyping)

	require.NoError(t, phone.Close())
	assert.Eventually(t, func() bool { return env.manager.Hub().RoomSize(chatAB) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, env.tracker.Typing(chatAB))

	// still typing, so this refresh is not a transition
	setTyping(t, desktop, chatAB, true)
	say(t, desktop, chatAB, "from my desk")

	stop := next(t, bob)
	assert.Equal(t, models.EventTyping, stop.Type)
	assert.False(t, stop.IsTyping)
	assert.Equal(t, models.EventMessage, next(t, bob).Type)
}

func TestShutdownSendsGoingAway(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, "alice")
	join(t, alice, chatAB)

	env.manager.Shutdown()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
