package realtime

import (
	"slices"
	"sync"
	"time"
)

// typingTracker holds who is typing where. Every entry owns a fallback timer;
// the timer only removes the entry if it still carries the generation it was
// armed with, so an expiry racing an explicit stop or a re-arm is a no-op.
type typingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	gen     uint64
	entries map[string]map[string]*typingEntry
	// notify receives the full set after every change. It runs under mu and
	// must not call back into the tracker.
	notify func(conversationID string, users []string)
}

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

func newTypingTracker(timeout time.Duration, notify func(string, []string)) *typingTracker {
	if notify == nil {
		notify = func(string, []string) {}
	}
	return &typingTracker{
		timeout: timeout,
		entries: make(map[string]map[string]*typingEntry),
		notify:  notify,
	}
}

// start adds or re-arms userID in conversationID.
func (t *typingTracker) start(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[conversationID]
	if users == nil {
		users = make(map[string]*typingEntry)
		t.entries[conversationID] = users
	}
	t.gen++
	gen := t.gen
	e, existed := users[userID]
	if existed {
		e.timer.Stop()
	}
	users[userID] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.timeout, func() { t.expire(conversationID, userID, gen) }),
	}
	if !existed {
		t.notify(conversationID, t.usersLocked(conversationID))
	}
}

// stop removes userID from conversationID.
func (t *typingTracker) stop(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conversationID, userID, 0)
}

func (t *typingTracker) expire(conversationID, userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conversationID, userID, gen)
}

// removeLocked deletes the entry. A non-zero gen must match the entry.
func (t *typingTracker) removeLocked(conversationID, userID string, gen uint64) {
	users := t.entries[conversationID]
	e, ok := users[userID]
	if !ok || (gen != 0 && e.gen != gen) {
		return
	}
	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	t.notify(conversationID, t.usersLocked(conversationID))
}

// clear drops every entry of conversationID.
func (t *typingTracker) clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[conversationID]
	if !ok {
		return
	}
	for _, e := range users {
		e.timer.Stop()
	}
	delete(t.entries, conversationID)
	t.notify(conversationID, nil)
}

// clearAll drops everything, notifying per conversation.
func (t *typingTracker) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for conversationID, users := range t.entries {
		for _, e := range users {
			e.timer.Stop()
		}
		delete(t.entries, conversationID)
		t.notify(conversationID, nil)
	}
}

func (t *typingTracker) users(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked(conversationID)
}

func (t *typingTracker) usersLocked(conversationID string) []string {
	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
