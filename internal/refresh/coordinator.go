// Package refresh coordinates bearer credential renewal.
//
// At most one refresh call is in flight per Coordinator. Callers arriving
// while it runs share its outcome; callers arriving shortly after an attempt
// are refused by a cooldown; and a hard cap on consecutive attempts stops
// refresh storms until a refresh succeeds or the user logs in again.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCooldown is returned without a network call when the previous
	// attempt started less than the cooldown ago.
	ErrCooldown = errors.New("refresh cooldown active")

	// ErrExhausted is returned once the attempt cap is reached.
	ErrExhausted = errors.New("refresh attempts exhausted")

	// ErrRejected wraps the failure of an attempt that reached the server.
	ErrRejected = errors.New("refresh rejected")

	// ErrSuperseded is returned when a login or logout replaced the
	// credential while the refresh was on the wire. The new token is dropped.
	ErrSuperseded = errors.New("credential changed during refresh")
)

// Refresher performs the actual refresh call and returns the new token.
type Refresher interface {
	RefreshToken(ctx context.Context) (string, error)
}

// Options tune a Coordinator. Zero values take the defaults.
type Options struct {
	Cooldown    time.Duration // default 5s
	MaxAttempts int           // default 3
	Timeout     time.Duration // per network attempt, default 15s
}

// State is a read-only view of the attempt bookkeeping.
type State struct {
	Attempts    int
	MaxAttempts int
	LastAttempt time.Time
	InFlight    bool
}

// Coordinator serializes refreshes of a credential.Store.
type Coordinator struct {
	refresher Refresher
	store     *credential.Store
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	cooldown    time.Duration
	maxAttempts int
	timeout     time.Duration
	now         func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	inflight    bool
	flight      uint64
	base        uint64 // credential version the current flight replaces
	attempts    int
	lastAttempt time.Time
}

// NewCoordinator creates a coordinator writing into store. b, m and logger may be nil.
func NewCoordinator(r Refresher, store *credential.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts Options) *Coordinator {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	} else if opts.Cooldown == 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		refresher:   r,
		store:       store,
		bus:         b,
		metrics:     m,
		logger:      logger,
		cooldown:    opts.Cooldown,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		now:         time.Now,
	}
}

// Refresh reports whether the credential was renewed.
func (c *Coordinator) Refresh(ctx context.Context) bool {
	return c.RefreshErr(ctx) == nil
}

// RefreshErr renews the credential or explains why it did not. A caller whose
// ctx ends stops waiting; the shared attempt keeps running for the others.
func (c *Coordinator) RefreshErr(ctx context.Context) error {
	c.mu.Lock()
	shared := c.inflight
	if !shared {
		if c.attempts >= c.maxAttempts {
			c.mu.Unlock()
			c.metrics.Refresh(metrics.RefreshExhausted)
			return ErrExhausted
		}
		now := c.now()
		if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.cooldown {
			c.mu.Unlock()
			c.metrics.Refresh(metrics.RefreshCooldown)
			c.logger.Warn("refresh refused during cooldown", zap.Duration("since_last", now.Sub(c.lastAttempt)))
			return ErrCooldown
		}
		c.inflight = true
		c.flight++
		c.base = c.store.Snapshot().Version
		c.attempts++
		c.lastAttempt = now
	}
	// Joining happens under mu, and perform clears inflight under mu, so a
	// caller either joins a live flight or starts a new one with a new key.
	ch := c.group.DoChan(strconv.FormatUint(c.flight, 10), c.perform)
	c.mu.Unlock()

	if shared {
		c.metrics.Refresh(metrics.RefreshShared)
	}

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) perform() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, err := c.refresher.RefreshToken(ctx)
	if err == nil && token == "" {
		err = errors.New("response carried no access token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = false

	if err != nil {
		c.metrics.Refresh(metrics.RefreshFailure)
		c.logger.Warn("credential refresh failed",
			zap.Error(err),
			zap.Int("attempt", c.attempts),
			zap.Int("max_attempts", c.maxAttempts))
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	if !c.store.SetTokenIf(c.base, token) {
		c.metrics.Refresh(metrics.RefreshFailure)
		c.logger.Info("refreshed token discarded, credential changed meanwhile")
		return nil, ErrSuperseded
	}
	c.attempts = 0
	c.metrics.Refresh(metrics.RefreshSuccess)
	c.logger.Info("credential refreshed")
	c.bus.Emit(bus.KindTokenRotated, nil)
	return token, nil
}

// Reset clears the attempt counter and cooldown. Called after a fresh login.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.lastAttempt = time.Time{}
}

// State returns the current bookkeeping.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Attempts:    c.attempts,
		MaxAttempts: c.maxAttempts,
		LastAttempt: c.lastAttempt,
		InFlight:    c.inflight,
	}
}
