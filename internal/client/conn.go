package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campus-chat/internal/apperr"
	"campus-chat/internal/models"
)

// Event is a decoded server frame. On error frames the "message" field is
// text; on message frames it is the message object.
type Event struct {
	Type     string
	ChatID   string
	UserID   string
	IsTyping bool
	Code     string
	Text     string
	Message  *models.Message
}

// UnmarshalJSON decodes either shape of the "message" field.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     string          `json:"type"`
		ChatID   string          `json:"chatId"`
		UserID   string          `json:"userId"`
		IsTyping bool            `json:"isTyping"`
		Code     string          `json:"code"`
		Message  json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{Type: raw.Type, ChatID: raw.ChatID, UserID: raw.UserID, IsTyping: raw.IsTyping, Code: raw.Code}
	if len(raw.Message) == 0 {
		return nil
	}
	if raw.Type == models.EventMessage {
		var msg models.Message
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			return err
		}
		e.Message = &msg
		return nil
	}
	return json.Unmarshal(raw.Message, &e.Text)
}

// Conn is one realtime connection. Events is closed when the connection
// ends; Err then reports why.
type Conn interface {
	Send(ctx context.Context, ev models.InboundEvent) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the /ws endpoint with a bearer token.
type WSDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

// Dial connects. A 401 handshake maps to apperr.ErrUnauthorized; other
// failures are transient.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{"Authorization": []string{"Bearer " + d.Token}}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", d.URL, apperr.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", d.URL, err, apperr.ErrTransient)
	}
	c := &wsConn{ws: ws, events: make(chan Event, 64), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *wsConn) Send(ctx context.Context, ev models.InboundEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %v: %w", ev.Type, err, apperr.ErrTransient)
	}
	return nil
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setErr(errors.New("closed by client"))
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
