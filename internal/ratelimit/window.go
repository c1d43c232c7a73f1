// Package ratelimit provides client-side call budgets.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited matches any LimitError.
var ErrRateLimited = errors.New("rate limited")

// LimitError reports a call refused locally, without contacting the server.
type LimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: %s", e.Op, ErrRateLimited)
	}
	return fmt.Sprintf("%s: %s, retry after %s", e.Op, ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Window is a rolling-window limiter: at most limit events in any span of
// length window.
type Window struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewWindow constructs a Window. Non-positive inputs fall back to 5 per minute.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event and reports whether it fits the budget. A refused
// event is not recorded.
func (w *Window) Allow() bool {
	_, ok := w.reserve()
	return ok
}

// Check is Allow returning a *LimitError for op when refused.
func (w *Window) Check(op string) error {
	retry, ok := w.reserve()
	if ok {
		return nil
	}
	return &LimitError{Op: op, RetryAfter: retry}
}

func (w *Window) reserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cut := now.Add(-w.window)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = dst

	if len(w.events) >= w.limit {
		return w.events[0].Sub(cut), false
	}
	w.events = append(w.events, now)
	return 0, true
}
