package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"campus-chat/internal/apperr"
	"campus-chat/internal/models"
	"campus-chat/internal/observability"
	"campus-chat/internal/repositories"
	"campus-chat/internal/typing"
)

const storeTimeout = 5 * time.Second

// Authorizer answers chat membership questions.
type Authorizer interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	MaxMessageLength int
	SendQueueSize    int
	EventRate        float64
	EventBurst       int
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 2000
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.EventRate <= 0 {
		o.EventRate = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager routes realtime events between sessions, the message store and
// the typing tracker.
type Manager struct {
	hub      *Hub
	authz    Authorizer
	store    repositories.MessageRepository
	tracker  *typing.Tracker
	validate *validator.Validate
	opts     Options
	log      *slog.Logger
}

// NewManager wires a Manager.
func NewManager(hub *Hub, authz Authorizer, store repositories.MessageRepository, tracker *typing.Tracker, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		hub:      hub,
		authz:    authz,
		store:    store,
		tracker:  tracker,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Hub exposes the room registry.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// NewSession registers an authenticated connection.
func (m *Manager) NewSession(conn *websocket.Conn, info ConnInfo) *Session {
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	limiter := rate.NewLimiter(rate.Limit(m.opts.EventRate), m.opts.EventBurst)
	s := newSession(conn, info, m.opts.SendQueueSize, limiter)
	m.hub.Register(s)
	observability.IncWSActive()
	return s
}

// Serve runs the session's pumps and blocks until the connection ends.
func (m *Manager) Serve(ctx context.Context, s *Session) {
	go s.writePump()
	m.readPump(ctx, s)
}

// Run sweeps stale typing indicators until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.tracker.Run(ctx, time.Second, m.ExpireTyping)
}

// Shutdown closes every live session with a going-away frame.
func (m *Manager) Shutdown() {
	for _, s := range m.hub.Sessions() {
		s.Close(reasonShutdown)
	}
}

func (m *Manager) readLimit() int64 {
	// content is counted in runes; leave room for 4-byte runes and the envelope
	return int64(m.opts.MaxMessageLength)*4 + 1024
}

func (m *Manager) readPump(ctx context.Context, s *Session) {
	defer m.disconnect(ctx, s)

	s.conn.SetReadLimit(m.readLimit())
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				m.log.Warn("websocket read failed", "conn_id", s.ID, "user_id", s.UserID, "error", err)
				observability.IncWSEvent("connection", "error")
				publishLifecycle(ctx, "ws_error", s.Info, err.Error())
			}
			s.Close(err.Error())
			return
		}
		m.HandleEvent(ctx, s, data)
	}
}

func (m *Manager) disconnect(ctx context.Context, s *Session) {
	joined := s.Joined()
	m.hub.Unregister(s)
	for _, chatID := range joined {
		s.markLeft(chatID)
	}
	// typing is tracked per user; another tab still in the room keeps it
	orphaned := make([]string, 0, len(joined))
	for _, chatID := range joined {
		if !m.hub.UserInRoom(chatID, s.UserID) {
			orphaned = append(orphaned, chatID)
		}
	}
	for _, chatID := range m.tracker.ClearUser(ctx, s.UserID, orphaned) {
		m.broadcastTyping(chatID, s.UserID, false, nil)
	}
	observability.DecWSActive()
	observability.IncWSEvent("connection", "closed")
	publishLifecycle(ctx, "ws_disconnect", s.Info, s.reason())
}

// HandleEvent decodes and dispatches one inbound frame. Failures are
// reported to s only.
func (m *Manager) HandleEvent(ctx context.Context, s *Session, raw []byte) {
	if !s.limiter.Allow() {
		m.reject(s, "unknown", "", fmt.Errorf("%w: slow down", apperr.ErrRateLimited))
		return
	}
	var ev models.InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		m.reject(s, "unknown", "", fmt.Errorf("%w: malformed event", apperr.ErrInvalidInput))
		return
	}
	if err := m.validate.Struct(ev); err != nil {
		m.reject(s, eventLabel(ev.Type), ev.ChatID, fmt.Errorf("%w: %s", apperr.ErrInvalidInput, describeValidation(err)))
		return
	}

	var err error
	switch ev.Type {
	case models.EventJoinChat:
		err = m.join(ctx, s, ev.ChatID)
	case models.EventLeaveChat:
		m.leave(ctx, s, ev.ChatID)
	case models.EventSendMessage:
		err = m.send(ctx, s, ev.ChatID, ev.Content)
	case models.EventTyping:
		err = m.typing(ctx, s, ev.ChatID, ev.IsTyping)
	}
	if err != nil {
		m.reject(s, ev.Type, ev.ChatID, err)
		return
	}
	observability.IncWSEvent(ev.Type, "ok")
}

func (m *Manager) join(ctx context.Context, s *Session, chatID string) error {
	if !s.HasJoined(chatID) {
		ok, err := m.authz.IsParticipant(ctx, chatID, s.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: not a participant of this chat", apperr.ErrForbidden)
		}
		m.hub.Join(chatID, s)
		s.markJoined(chatID)
	}
	m.reply(s, models.NewJoinedEvent(chatID))
	return nil
}

func (m *Manager) leave(ctx context.Context, s *Session, chatID string) {
	if !s.HasJoined(chatID) {
		return
	}
	m.hub.Leave(chatID, s)
	s.markLeft(chatID)
	if m.hub.UserInRoom(chatID, s.UserID) {
		return
	}
	if m.tracker.Clear(ctx, chatID, s.UserID) {
		m.broadcastTyping(chatID, s.UserID, false, nil)
	}
}

func (m *Manager) send(ctx context.Context, s *Session, chatID, content string) error {
	if !s.HasJoined(chatID) {
		return fmt.Errorf("%w: join the chat before sending", apperr.ErrForbidden)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: message content is empty", apperr.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(content); n > m.opts.MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, the limit is %d", apperr.ErrInvalidInput, n, m.opts.MaxMessageLength)
	}
	ok, err := m.authz.IsParticipant(ctx, chatID, s.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a participant of this chat", apperr.ErrForbidden)
	}

	started := time.Now()
	stored, err := m.persistAndBroadcast(ctx, s, chatID, content)
	if err != nil {
		return err
	}
	observability.ObserveSend(time.Since(started))
	observability.IncMessagesPersisted()

	_ = observability.PublishEvent(ctx, "chat.message.created", observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "message_created",
		Payload: map[string]interface{}{
			"message_id": stored.ID,
			"chat_id":    stored.ChatID,
			"sender_id":  stored.SenderID,
			"seq":        stored.Seq,
			"created_at": stored.CreatedAt,
		},
	}, observability.BuildHeaders(s.Info.RequestID, s.Info.TraceID))
	return nil
}

// persistAndBroadcast holds the room's send lock across the store write and
// the fan-out so queue order matches store order.
func (m *Manager) persistAndBroadcast(ctx context.Context, s *Session, chatID, content string) (models.Message, error) {
	r := m.hub.room(chatID)
	if r == nil {
		return models.Message{}, fmt.Errorf("%w: join the chat before sending", apperr.ErrForbidden)
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	stamp := m.opts.Now().UTC().Truncate(time.Microsecond)
	if stamp.Before(r.lastStamp) {
		stamp = r.lastStamp
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	stored, err := m.store.AppendMessage(storeCtx, models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  s.UserID,
		Content:   content,
		CreatedAt: stamp,
	})
	if err != nil {
		m.log.Error("append message failed", "chat_id", chatID, "user_id", s.UserID, "error", err)
		return models.Message{}, fmt.Errorf("%w: message was not saved, try again", apperr.ErrTransient)
	}
	r.lastStamp = stored.CreatedAt

	if m.tracker.Clear(ctx, chatID, s.UserID) {
		m.broadcastTyping(chatID, s.UserID, false, s)
	}
	payload, err := json.Marshal(models.NewMessageEvent(stored))
	if err != nil {
		return stored, err
	}
	m.hub.Broadcast(chatID, payload, nil)
	return stored, nil
}

func (m *Manager) typing(ctx context.Context, s *Session, chatID string, isTyping bool) error {
	if !s.HasJoined(chatID) {
		return fmt.Errorf("%w: join the chat before typing", apperr.ErrForbidden)
	}
	if m.tracker.Set(ctx, chatID, s.UserID, isTyping) {
		m.broadcastTyping(chatID, s.UserID, isTyping, s)
	}
	return nil
}

// ExpireTyping announces indicators dropped by the sweeper.
func (m *Manager) ExpireTyping(expired []typing.Expired) {
	observability.AddTypingExpired(len(expired))
	for _, e := range expired {
		m.broadcastTyping(e.ChatID, e.UserID, false, nil)
	}
}

func (m *Manager) broadcastTyping(chatID, userID string, isTyping bool, skip *Session) {
	payload, err := json.Marshal(models.NewTypingEvent(chatID, userID, isTyping))
	if err != nil {
		return
	}
	m.hub.Broadcast(chatID, payload, skip)
}

func (m *Manager) reply(s *Session, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		m.log.Error("encode event failed", "conn_id", s.ID, "error", err)
		return
	}
	s.enqueue(payload)
}

func (m *Manager) reject(s *Session, eventType, chatID string, err error) {
	code := apperr.Code(err)
	message := err.Error()
	if code == apperr.CodeInternal {
		m.log.Error("realtime event failed", "conn_id", s.ID, "user_id", s.UserID, "event", eventType, "error", err)
		message = "internal error"
	}
	observability.IncWSEvent(eventLabel(eventType), code)
	m.reply(s, models.NewErrorEvent(code, message, chatID))
}

// eventLabel keeps metric cardinality bounded.
func eventLabel(eventType string) string {
	switch eventType {
	case models.EventJoinChat, models.EventLeaveChat, models.EventSendMessage, models.EventTyping:
		return eventType
	default:
		return "unknown"
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Type":
		return "unknown event type"
	case "ChatID":
		if fe.Tag() == "required" {
			return "chatId is required"
		}
		return "chatId is not a valid id"
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

func publishLifecycle(ctx context.Context, name string, info ConnInfo, reason string) {
	_ = observability.PublishEvent(ctx, "ws_events.chats", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": info.identity(),
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
