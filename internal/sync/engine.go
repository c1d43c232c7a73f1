package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Channel is the part of the realtime channel the engine drives.
type Channel interface {
	Open(ctx context.Context) error
	Reopen(ctx context.Context) error
	Close()
}

// EngineOptions tune reconnection.
type EngineOptions struct {
	ReconnectBase time.Duration // default 1s
	ReconnectMax  time.Duration // default 30s
	Timeout       time.Duration // per reopen or catch-up, default 15s
}

// Engine reacts to session and channel events on the bus: it reopens the
// channel after a credential rotation, drops the credential when the server
// expires it, reconnects after transport loss and catches up on reconnect.
// A catch-up refused by the server ends the session.
type Engine struct {
	rec     *Reconciler
	channel Channel
	creds   *credential.Store
	bus     *bus.Bus
	logger  *zap.Logger
	opts    EngineOptions
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	attempts int
	retry    *time.Timer
}

// NewEngine creates a new sync engine.
func NewEngine(rec *Reconciler, ch Channel, creds *credential.Store, b *bus.Bus, logger *zap.Logger, opts EngineOptions) *Engine {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rec:     rec,
		channel: ch,
		creds:   creds,
		bus:     b,
		logger:  logger,
		opts:    opts,
	}
}

// Start subscribes to session and channel events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	sessions, unsubSessions := e.bus.Subscribe("session.", 64)
	channel, unsubChannel := e.bus.Subscribe("channel.", 64)

	go func() {
		defer close(e.done)
		defer unsubSessions()
		defer unsubChannel()
		for {
			select {
			case evt := <-sessions:
				e.handleEvent(ctx, evt)
			case evt := <-channel:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and any pending reconnect.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.stopRetry()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindTokenRotated:
		opCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
		if err := e.channel.Reopen(opCtx); err != nil {
			e.logger.Warn("reopen after credential rotation failed", zap.Error(err))
		}

	case bus.KindSessionEnded:
		e.stopRetry()
		end, _ := evt.Payload.(bus.SessionEnd)
		switch end.Reason {
		case bus.ReasonTokenExpired:
			e.creds.Clear(true)
		case bus.ReasonUnauthorized:
			e.channel.Close()
		}

	case bus.KindChannelState:
		change, ok := evt.Payload.(status.Change)
		if !ok {
			return
		}
		switch {
		case change.To == status.Connected:
			e.mu.Lock()
			e.attempts = 0
			e.mu.Unlock()
			go e.catchUp(ctx)
		case change.To == status.Disconnected &&
			(change.Reason == realtime.ReasonTransportLost || change.Reason == realtime.ReasonDialFailed):
			if e.creds.Snapshot().Valid() {
				e.scheduleReconnect(ctx)
			}
		}
	}
}

// catchUp refetches what may have been missed while disconnected.
func (e *Engine) catchUp(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	if err := e.rec.RefreshConversations(ctx); err != nil {
		e.logger.Warn("catch-up conversation refresh failed", zap.Error(err))
		if errors.Is(err, rest.ErrUnauthorized) {
			e.bus.Emit(bus.KindSessionEnded, bus.SessionEnd{Reason: bus.ReasonUnauthorized})
		}
		return
	}
	if active := e.rec.Active(); active != "" {
		if err := e.rec.FetchMessages(ctx, active); err != nil {
			e.logger.Warn("catch-up message refresh failed", zap.String("conversation_id", active), zap.Error(err))
			if errors.Is(err, rest.ErrUnauthorized) {
				e.bus.Emit(bus.KindSessionEnded, bus.SessionEnd{Reason: bus.ReasonUnauthorized})
			}
		}
	}
}

func (e *Engine) scheduleReconnect(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retry != nil {
		return
	}
	delay := e.opts.ReconnectBase << min(e.attempts, 16)
	if delay > e.opts.ReconnectMax || delay <= 0 {
		delay = e.opts.ReconnectMax
	}
	e.attempts++
	attempt := e.attempts
	e.logger.Info("realtime reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", attempt))
	e.retry = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.retry = nil
		e.mu.Unlock()
		if ctx.Err() != nil || !e.creds.Snapshot().Valid() {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
		if err := e.channel.Open(opCtx); err != nil {
			e.logger.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	})
}

func (e *Engine) stopRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.attempts = 0
}
