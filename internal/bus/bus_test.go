package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindSessionEnded, Timestamp: time.Now(), Payload: "revoked"})

	select {
	case evt := <-ch:
		if evt.Kind != KindSessionEnded {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSessionEnded)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("state.", 10)
	defer unsub()

	b.Emit(KindSessionStarted, nil)
	b.Emit(KindMessages, "c1")

	select {
	case evt := <-ch:
		if evt.Kind != KindMessages {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessages)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixReceivesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Emit(KindNotice, "x")
	b.Emit(KindChannelState, "y")

	for _, want := range []string{KindNotice, KindChannelState} {
		evt := <-ch
		if evt.Kind != want {
			t.Errorf("got %q, want %q", evt.Kind, want)
		}
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub()

	b.Emit(KindSessionEnded, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("state.", 1)
	defer unsub()

	b.Emit(KindMessages, "one")
	b.Emit(KindMessages, "two")

	evt := <-ch
	if evt.Payload != "one" {
		t.Errorf("got %v, want one", evt.Payload)
	}
}

func TestNamespace(t *testing.T) {
	tests := map[string]string{
		KindMessages:     "state.",
		KindSessionEnded: "session.",
		"plain":          "plain",
	}
	for kind, want := range tests {
		if got := Namespace(kind); got != want {
			t.Errorf("Namespace(%q) = %q, want %q", kind, got, want)
		}
	}
}
