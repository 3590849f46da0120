package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"campus-chat/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

const (
	reasonSlowConsumer = "slow consumer"
	reasonShutdown     = "shutdown"
)

// State is the lifecycle position of a session.
type State int

const (
	StateAuthenticated State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated websocket connection. Outbound frames go
// through a bounded queue drained by a single writer goroutine.
type Session struct {
	ID     string
	UserID string
	Info   ConnInfo

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce   sync.Once
	closeReason string

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

func newSession(conn *websocket.Conn, info ConnInfo, queueSize int, limiter *rate.Limiter) *Session {
	return &Session{
		ID:      info.ConnID,
		UserID:  info.UserID,
		Info:    info,
		conn:    conn,
		send:    make(chan []byte, queueSize),
		done:    make(chan struct{}),
		limiter: limiter,
		joined:  make(map[string]struct{}),
	}
}

// State reports where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case len(s.joined) > 0:
		return StateJoined
	default:
		return StateAuthenticated
	}
}

// HasJoined reports whether chatID is in the session's joined set.
func (s *Session) HasJoined(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[chatID]
	return ok
}

// Joined returns the joined chat ids in sorted order.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for id := range s.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) markJoined(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[chatID] = struct{}{}
}

func (s *Session) markLeft(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, chatID)
}

// enqueue never blocks. A session whose queue is full is closed rather
// than allowed to stall the room.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		observability.IncSlowConsumer()
		s.Close(reasonSlowConsumer)
		return false
	}
}

// Close stops the writer, which sends a close frame and drops the
// connection. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close(err.Error())
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(err.Error())
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			switch s.reason() {
			case reasonSlowConsumer:
				msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reasonSlowConsumer)
			case reasonShutdown:
				s.flush()
				msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			default:
				s.flush()
			}
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is already queued; used on graceful close so
// error frames reach the peer before the close frame.
func (s *Session) flush() {
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
