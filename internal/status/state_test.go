package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connected, Disconnected},
		{Connected, Reauthenticating},
		{Reauthenticating, Connected},
		{Reauthenticating, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, "test"); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Reauthenticating},
		{Connected, Connecting},
		{Disconnected, Disconnected},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		walkTo(t, m, tt.from)
		if err := m.Transition(tt.to, "test"); err == nil {
			t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
		}
	}
}

func TestTransitionFrom(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connecting)

	if m.TransitionFrom(Connected, Disconnected, "stale") {
		t.Error("TransitionFrom with the wrong source state should not apply")
	}
	if !m.TransitionFrom(Connecting, Connected, "ack") {
		t.Error("TransitionFrom(CONNECTING -> CONNECTED) should apply")
	}
	if m.Current() != Connected {
		t.Errorf("state = %s", m.Current())
	}
}

func TestReset(t *testing.T) {
	m := NewMachine(nil)
	if m.Reset("noop") {
		t.Error("Reset from DISCONNECTED should report no change")
	}
	walkTo(t, m, Reauthenticating)
	if !m.Reset("closed") || m.Current() != Disconnected {
		t.Errorf("Reset from REAUTHENTICATING: state = %s", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting, "open"); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindChannelState {
			t.Errorf("kind = %q", evt.Kind)
		}
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting || change.Reason != "open" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected:     {},
		Connecting:       {Connecting},
		Connected:        {Connecting, Connected},
		Reauthenticating: {Connecting, Connected, Reauthenticating},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s, "walk"); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
