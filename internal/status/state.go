// Package status tracks the realtime channel's connection state.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a realtime channel connection state.
type State string

const (
	Disconnected     State = "DISCONNECTED"
	Connecting       State = "CONNECTING"
	Connected        State = "CONNECTED"
	Reauthenticating State = "REAUTHENTICATING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:     {Connecting},
	Connecting:       {Connected, Disconnected, Reauthenticating},
	Connected:        {Disconnected, Reauthenticating},
	Reauthenticating: {Connected, Disconnected},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to a new state, publishing channel.state_changed.
// reason is free text carried in the event.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.set(to, reason)
	return nil
}

// TransitionFrom moves to a new state only if the machine is currently in
// from. It reports whether the transition happened. Used where a concurrent
// close may already have moved the machine on.
func (m *Machine) TransitionFrom(from, to State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from || !slices.Contains(validTransitions[from], to) {
		return false
	}
	m.set(to, reason)
	return true
}

// Reset forces Disconnected from any state. It reports whether the state
// changed.
func (m *Machine) Reset(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == Disconnected {
		return false
	}
	m.set(Disconnected, reason)
	return true
}

func (m *Machine) set(to State, reason string) {
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindChannelState,
		Timestamp: m.since,
		Payload: Change{
			From:   from,
			To:     to,
			Reason: reason,
		},
	})
}

// Change is the payload of channel.state_changed events.
type Change struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}
