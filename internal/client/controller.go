package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"campus-chat/internal/apperr"
	"campus-chat/internal/models"
)

// Status is the connection state shown to the user.
type Status int

const (
	StatusConnecting Status = iota
	StatusLive
	StatusReconnecting
	StatusDisconnected
	StatusUnauthorized
	StatusChatNotFound
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusChatNotFound:
		return "chat not found"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the controller has given up on the chat.
func (s Status) Terminal() bool {
	switch s {
	case StatusDisconnected, StatusUnauthorized, StatusChatNotFound, StatusClosed:
		return true
	}
	return false
}

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("controller closed")

// Snapshot is an immutable copy of the controller's view.
type Snapshot struct {
	ChatID       string
	Status       Status
	Banner       string
	Participants []models.User
	Messages     []models.Message
	Typing       []string
	Draft        string
}

// HistoryAPI loads chat details.
type HistoryAPI interface {
	GetChat(ctx context.Context, chatID string) (ChatDetail, error)
}

// Options tune a Controller.
type Options struct {
	// SelfID filters the user's own typing events.
	SelfID         string
	MaxAttempts    uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	// OnChange runs on the event loop after every state change. It must
	// not call back into the controller.
	OnChange func(Snapshot)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller drives one open chat: history, live events, typing and
// reconnects. All state lives on a single event-loop goroutine.
type Controller struct {
	chatID string
	api    HistoryAPI
	dialer Dialer
	opts   Options
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func(*loopState)
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu   sync.RWMutex
	snap Snapshot
}

// NewController builds a controller for chatID. Call Start to run it.
func NewController(chatID string, api HistoryAPI, dialer Dialer, opts Options) *Controller {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		chatID: chatID,
		api:    api,
		dialer: dialer,
		opts:   opts,
		log:    opts.Logger.With("chat_id", chatID),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan func(*loopState)),
		done:   make(chan struct{}),
		snap:   Snapshot{ChatID: chatID, Status: StatusConnecting},
	}
}

// Start launches the event loop. History and the connection are fetched
// concurrently.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close releases the connection and every goroutine. Safe to call more
// than once and before Start.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.startOnce.Do(func() {
			c.mu.Lock()
			c.snap.Status = StatusClosed
			c.mu.Unlock()
			close(c.done)
		})
	})
	<-c.done
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the latest published view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// SetDraft updates the composer; typing transitions follow whether the
// draft is empty.
func (c *Controller) SetDraft(text string) {
	c.do(func(st *loopState) {
		st.draft = text
		c.syncTyping(st, text != "")
	})
}

// Submit sends the trimmed draft and clears it. The message appears once
// the server broadcasts it back.
func (c *Controller) Submit() error {
	errCh := make(chan error, 1)
	ok := c.do(func(st *loopState) {
		content := strings.TrimSpace(st.draft)
		if content == "" {
			errCh <- fmt.Errorf("message is empty: %w", apperr.ErrInvalidInput)
			return
		}
		if st.conn == nil || st.status != StatusLive {
			errCh <- fmt.Errorf("not connected: %w", apperr.ErrTransient)
			return
		}
		st.draft = ""
		st.typingSent = false
		errCh <- st.conn.Send(c.ctx, models.InboundEvent{Type: models.EventSendMessage, ChatID: c.chatID, Content: content})
	})
	if !ok {
		return ErrClosed
	}
	return <-errCh
}

func (c *Controller) do(fn func(*loopState)) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

type loopState struct {
	status       Status
	banner       string
	participants []models.User
	messages     []models.Message
	ids          map[string]struct{}
	pending      []models.Message
	historyReady bool
	typing       map[string]struct{}
	draft        string
	typingSent   bool
	conn         Conn
	connectedYet bool
}

func (st *loopState) insert(m models.Message) {
	if _, dup := st.ids[m.ID]; dup {
		return
	}
	st.ids[m.ID] = struct{}{}
	i := sort.Search(len(st.messages), func(i int) bool { return m.Before(st.messages[i]) })
	st.messages = slices.Insert(st.messages, i, m)
}

type historyResult struct {
	detail ChatDetail
	err    error
}

type dialResult struct {
	conn Conn
	err  error
}

func (c *Controller) run() {
	defer close(c.done)

	st := &loopState{
		status: StatusConnecting,
		ids:    make(map[string]struct{}),
		typing: make(map[string]struct{}),
	}
	historyCh := make(chan historyResult)
	dialCh := make(chan dialResult)

	c.fetchHistory(historyCh)
	c.connect(dialCh)
	c.publish(st)

	for {
		var events <-chan Event
		if st.conn != nil {
			events = st.conn.Events()
		}

		select {
		case <-c.ctx.Done():
			if st.conn != nil {
				_ = st.conn.Close()
				st.conn = nil
			}
			st.status = StatusClosed
			clear(st.typing)
			c.publish(st)
			return
		case fn := <-c.cmds:
			fn(st)
		case res := <-historyCh:
			c.applyHistory(st, res)
		case res := <-dialCh:
			c.applyDial(st, res, historyCh)
		case ev, ok := <-events:
			if !ok {
				c.connectionLost(st, dialCh)
			} else {
				c.applyEvent(st, ev)
			}
		}
		c.publish(st)
	}
}

func (c *Controller) fetchHistory(out chan<- historyResult) {
	go func() {
		detail, err := c.api.GetChat(c.ctx, c.chatID)
		select {
		case out <- historyResult{detail: detail, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

// connect dials with exponential backoff. Unauthorized is permanent.
func (c *Controller) connect(out chan<- dialResult) {
	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.opts.InitialBackoff
		b.MaxInterval = c.opts.MaxBackoff
		b.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxAttempts-1), c.ctx)

		var conn Conn
		err := backoff.Retry(func() error {
			var err error
			conn, err = c.dialer.Dial(c.ctx)
			if errors.Is(err, apperr.ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			if err != nil {
				c.log.Warn("dial failed", "error", err)
			}
			return err
		}, policy)

		select {
		case out <- dialResult{conn: conn, err: err}:
		case <-c.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *Controller) applyDial(st *loopState, res dialResult, historyCh chan<- historyResult) {
	if res.err != nil {
		if errors.Is(res.err, apperr.ErrUnauthorized) {
			c.terminate(st, StatusUnauthorized, "session expired, log in again")
			return
		}
		c.terminate(st, StatusDisconnected, "connection lost")
		return
	}
	if st.status.Terminal() {
		_ = res.conn.Close()
		return
	}

	st.conn = res.conn
	if err := st.conn.Send(c.ctx, models.InboundEvent{Type: models.EventJoinChat, ChatID: c.chatID}); err != nil {
		c.log.Warn("join failed", "error", err)
		// the read side notices the close and triggers a reconnect
		_ = st.conn.Close()
		return
	}
	if st.connectedYet {
		c.fetchHistory(historyCh)
	}
	st.connectedYet = true
}

func (c *Controller) connectionLost(st *loopState, dialCh chan<- dialResult) {
	if st.conn != nil {
		c.log.Info("connection lost", "error", st.conn.Err())
	}
	st.conn = nil
	st.typingSent = false
	clear(st.typing)
	if st.status.Terminal() {
		return
	}
	st.status = StatusReconnecting
	st.banner = "reconnecting"
	c.connect(dialCh)
}

func (c *Controller) applyHistory(st *loopState, res historyResult) {
	if st.status.Terminal() {
		return
	}
	if res.err != nil {
		switch {
		case errors.Is(res.err, apperr.ErrUnauthorized):
			c.terminate(st, StatusUnauthorized, "session expired, log in again")
		case errors.Is(res.err, apperr.ErrNotFound), errors.Is(res.err, apperr.ErrForbidden):
			c.terminate(st, StatusChatNotFound, "chat not found")
		default:
			c.log.Warn("history fetch failed", "error", res.err)
			st.banner = "could not load messages"
			c.flushPending(st)
		}
		return
	}

	st.participants = res.detail.Participants
	for _, m := range res.detail.Messages {
		st.insert(m)
	}
	c.flushPending(st)
	if st.banner == "could not load messages" {
		st.banner = ""
	}
}

func (c *Controller) flushPending(st *loopState) {
	for _, m := range st.pending {
		st.insert(m)
	}
	st.pending = nil
	st.historyReady = true
}

func (c *Controller) applyEvent(st *loopState, ev Event) {
	switch ev.Type {
	case models.EventJoined:
		if ev.ChatID == c.chatID && !st.status.Terminal() {
			st.status = StatusLive
			if st.banner == "reconnecting" {
				st.banner = ""
			}
			c.syncTyping(st, st.draft != "")
		}
	case models.EventMessage:
		if ev.Message == nil || ev.Message.ChatID != c.chatID {
			return
		}
		if !st.historyReady {
			st.pending = append(st.pending, *ev.Message)
			return
		}
		st.insert(*ev.Message)
	case models.EventTyping:
		if ev.ChatID != c.chatID || ev.UserID == c.opts.SelfID {
			return
		}
		if ev.IsTyping {
			st.typing[ev.UserID] = struct{}{}
		} else {
			delete(st.typing, ev.UserID)
		}
	case models.EventError:
		switch ev.Code {
		case apperr.CodeUnauthorized:
			c.terminate(st, StatusUnauthorized, "session expired, log in again")
		case apperr.CodeForbidden, apperr.CodeNotFound:
			if st.status != StatusLive && ev.ChatID == c.chatID {
				c.terminate(st, StatusChatNotFound, "chat not found")
				return
			}
			st.banner = ev.Text
		default:
			st.banner = ev.Text
		}
	}
}

func (c *Controller) syncTyping(st *loopState, want bool) {
	if want == st.typingSent || st.conn == nil || st.status != StatusLive {
		return
	}
	err := st.conn.Send(c.ctx, models.InboundEvent{Type: models.EventTyping, ChatID: c.chatID, IsTyping: want})
	if err == nil {
		st.typingSent = want
	}
}

func (c *Controller) terminate(st *loopState, status Status, banner string) {
	st.status = status
	st.banner = banner
	if st.conn != nil {
		_ = st.conn.Close()
		st.conn = nil
	}
	clear(st.typing)
}

func (c *Controller) publish(st *loopState) {
	typing := lo.Keys(st.typing)
	sort.Strings(typing)
	snap := Snapshot{
		ChatID:       c.chatID,
		Status:       st.status,
		Banner:       st.banner,
		Participants: slices.Clone(st.participants),
		Messages:     slices.Clone(st.messages),
		Typing:       typing,
		Draft:        st.draft,
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	if c.opts.OnChange != nil {
		c.opts.OnChange(snap)
	}
}
