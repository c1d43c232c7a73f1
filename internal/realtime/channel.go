// Package realtime maintains the authenticated event stream to the chat
// server.
//
// The credential is presented once, at dial time. A tokenExpired event from
// the server ends the session: the channel disconnects and never reconnects
// with the stale credential on its own. After a credential rotation the
// owner calls Reopen, which replaces the transport under the new token.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxReadBytes = 1 << 20

// Disconnect reasons carried by channel.state_changed.
const (
	ReasonClosed        = "closed"
	ReasonTransportLost = "transport lost"
	ReasonTokenExpired  = "token expired"
	ReasonDialFailed    = "dial failed"
)

var (
	// ErrNoCredential is returned by Open when no token is available.
	ErrNoCredential = errors.New("no credential to authenticate the channel")

	// ErrNotConnected is returned by outbound intents while no transport is up.
	ErrNotConnected = errors.New("realtime channel not connected")
)

// Handler receives decoded inbound events. Calls come from the read loop,
// one at a time.
type Handler interface {
	MessageConfirmed(msg model.Message)
	MessageReceived(msg model.Message)
	StatusChanged(messageIDs []string, st model.Status)
	TypingChanged(conversationID string, userIDs []string)
}

type nopHandler struct{}

func (nopHandler) MessageConfirmed(model.Message)       {}
func (nopHandler) MessageReceived(model.Message)        {}
func (nopHandler) StatusChanged([]string, model.Status) {}
func (nopHandler) TypingChanged(string, []string)       {}

// Options configure a Channel.
type Options struct {
	URL                string
	TypingTimeout      time.Duration // default 3s
	TypingEmitInterval time.Duration // default 2s
	WriteTimeout       time.Duration // default 5s
	DialTimeout        time.Duration // default 10s
}

// Channel is the realtime connection of one signed-in user.
type Channel struct {
	opts    Options
	creds   *credential.Store
	handler Handler
	machine *status.Machine
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	typing  *typingTracker

	// lifecycle serializes Open, Reopen and Close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	done       chan struct{}
	gen        uint64
	active     string
	typingEmit map[string]*rate.Sometimes
}

// NewChannel creates a disconnected channel.
func NewChannel(opts Options, creds *credential.Store, handler Handler, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Channel {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = 3 * time.Second
	}
	if opts.TypingEmitInterval <= 0 {
		opts.TypingEmitInterval = 2 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = nopHandler{}
	}
	c := &Channel{
		opts:       opts,
		creds:      creds,
		handler:    handler,
		machine:    status.NewMachine(b),
		bus:        b,
		metrics:    m,
		logger:     logger,
		typingEmit: make(map[string]*rate.Sometimes),
	}
	c.typing = newTypingTracker(opts.TypingTimeout, handler.TypingChanged)
	return c
}

// State returns the connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Since returns when the current state was entered.
func (c *Channel) Since() time.Time {
	return c.machine.Since()
}

// Open dials the server with the current credential. It returns once the
// transport is up; the Connected state follows the server's connect event.
// Opening an open channel is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.current() != nil {
		return nil
	}
	if err := c.machine.Transition(status.Connecting, "open"); err != nil {
		return err
	}
	return c.connect(ctx)
}

// Reopen replaces the transport after a credential rotation. A disconnected
// channel stays disconnected.
func (c *Channel) Reopen(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.current() == nil {
		return nil
	}
	if err := c.machine.Transition(status.Reauthenticating, "credential rotated"); err != nil {
		return err
	}
	c.detach(websocket.StatusNormalClosure, "reauthenticating")
	c.metrics.SetConnected(false)
	return c.connect(ctx)
}

// Close shuts the transport down and drops typing state.
func (c *Channel) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.detach(websocket.StatusNormalClosure, "bye")
	c.machine.Reset(ReasonClosed)
	c.metrics.SetConnected(false)
	c.typing.clearAll()

	c.mu.Lock()
	c.typingEmit = make(map[string]*rate.Sometimes)
	c.mu.Unlock()
}

func (c *Channel) connect(ctx context.Context) error {
	token := c.creds.Token()
	if token == "" {
		c.machine.Reset(ReasonDialFailed)
		return ErrNoCredential
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.machine.Reset(ReasonDialFailed)
		c.logger.Warn("realtime dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		return fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(maxReadBytes)

	readCtx, readCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.cancel = readCancel
	c.done = done
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, gen, done)
	c.logger.Info("realtime transport up", zap.Uint64("generation", gen))
	return nil
}

// detach closes the current transport and waits for its read loop.
func (c *Channel) detach(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn, c.cancel, c.done = nil, nil, nil
	c.gen++
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close(code, reason)
	cancel()
	<-done
}

func (c *Channel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.conn != nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			c.lost(gen, err)
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed realtime frame", zap.Error(err))
			continue
		}
		if !c.isCurrent(gen) {
			return
		}
		c.dispatch(gen, f)
	}
}

// lost handles a read failure. A failure on a transport that was already
// detached is expected and ignored.
func (c *Channel) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel, c.done = nil, nil, nil
	c.gen++
	c.mu.Unlock()

	_ = conn.CloseNow()
	cancel()
	c.machine.Reset(ReasonTransportLost)
	c.metrics.SetConnected(false)
	c.typing.clearAll()
	c.logger.Warn("realtime transport lost", zap.Int("close_status", int(websocket.CloseStatus(err))), zap.Error(err))
}

// expireSession handles tokenExpired from the server.
func (c *Channel) expireSession(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel, c.done = nil, nil, nil
	c.gen++
	c.mu.Unlock()

	// Runs on the read loop, so the loop is not awaited here.
	_ = conn.Close(websocket.StatusNormalClosure, "token expired")
	cancel()
	c.machine.Reset(ReasonTokenExpired)
	c.metrics.SetConnected(false)
	c.typing.clearAll()
	c.logger.Warn("server reported token expiry, session ended")
	c.bus.Emit(bus.KindSessionEnded, bus.SessionEnd{Reason: bus.ReasonTokenExpired})
}

func (c *Channel) dispatch(gen uint64, f Frame) {
	c.metrics.RealtimeEvent("in", f.Event)

	switch f.Event {
	case EventConnect:
		if c.machine.TransitionFrom(status.Connecting, status.Connected, "server ack") ||
			c.machine.TransitionFrom(status.Reauthenticating, status.Connected, "server ack") {
			c.metrics.SetConnected(true)
		}

	case EventTokenExpired:
		c.expireSession(gen)

	case EventMessageSent:
		var msg model.Message
		if !c.decode(f, &msg) || msg.ID == "" {
			return
		}
		msg.Status = msg.Status.Advance(model.StatusSent)
		c.handler.MessageConfirmed(msg)

	case EventNewMessage:
		var msg model.Message
		if !c.decode(f, &msg) || msg.ID == "" {
			return
		}
		msg.Status = msg.Status.Advance(model.StatusSent)
		c.handler.MessageReceived(msg)

	case EventStatusUpdated:
		var u statusUpdate
		if !c.decode(f, &u) {
			return
		}
		ids := u.ids()
		if len(ids) == 0 || u.Status == model.StatusUnknown {
			return
		}
		c.handler.StatusChanged(ids, u.Status)

	case EventTyping, EventStopTyping:
		var sig typingSignal
		if !c.decode(f, &sig) || sig.UserID == "" {
			return
		}
		conversationID := sig.ConversationID
		if conversationID == "" {
			conversationID = c.Active()
		}
		if conversationID == "" {
			return
		}
		if f.Event == EventTyping {
			c.typing.start(conversationID, sig.UserID)
		} else {
			c.typing.stop(conversationID, sig.UserID)
		}

	default:
		c.logger.Debug("ignoring realtime event", zap.String("event", f.Event))
	}
}

func (c *Channel) decode(f Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		c.logger.Warn("dropping realtime event with bad payload", zap.String("event", f.Event), zap.Error(err))
		return false
	}
	return true
}

// SetActive records the conversation on screen. Typing entries of the
// previously active conversation are dropped with their timers.
func (c *Channel) SetActive(conversationID string) {
	c.mu.Lock()
	prev := c.active
	c.active = conversationID
	c.mu.Unlock()

	if prev != "" && prev != conversationID {
		c.typing.clear(prev)
	}
}

// Active returns the conversation on screen, or "".
func (c *Channel) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// TypingUsers returns who is typing in conversationID.
func (c *Channel) TypingUsers(conversationID string) []string {
	return c.typing.users(conversationID)
}

// SendText emits privateMessage. Confirmation arrives as messageSent.
func (c *Channel) SendText(ctx context.Context, conversationID, text string) error {
	return c.emit(ctx, EventPrivateMessage, privateMessage{ConversationID: conversationID, Text: text})
}

// MarkRead asks the server to mark every message of conversationID read.
func (c *Channel) MarkRead(ctx context.Context, conversationID string) error {
	return c.emit(ctx, EventMarkRead, markRead{ConversationID: conversationID})
}

// MarkReadByIDs marks specific messages read.
func (c *Channel) MarkReadByIDs(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.emit(ctx, EventMarkReadByIDs, markRead{ConversationID: conversationID, MessageIDs: messageIDs})
}

// StartTyping emits typing, at most once per emit interval per conversation.
func (c *Channel) StartTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	s := c.typingEmit[conversationID]
	if s == nil {
		s = &rate.Sometimes{Interval: c.opts.TypingEmitInterval}
		c.typingEmit[conversationID] = s
	}
	c.mu.Unlock()

	var err error
	s.Do(func() {
		err = c.emit(ctx, EventTyping, c.typingPayload(conversationID))
	})
	return err
}

// StopTyping emits stopTyping and re-arms the typing throttle.
func (c *Channel) StopTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.typingEmit, conversationID)
	c.mu.Unlock()
	return c.emit(ctx, EventStopTyping, c.typingPayload(conversationID))
}

func (c *Channel) typingPayload(conversationID string) typingIntent {
	intent := typingIntent{ConversationID: conversationID}
	if u := c.creds.Snapshot().User; u != nil {
		intent.UserID = u.ID
	}
	return intent
}

func (c *Channel) emit(ctx context.Context, event string, data any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	c.metrics.RealtimeEvent("out", event)
	return nil
}
