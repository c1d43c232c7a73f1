package model

import (
	"encoding/json"
	"testing"
)

func TestStatusAdvanceIsMonotonic(t *testing.T) {
	tests := []struct {
		from, to, want Status
	}{
		{StatusUnknown, StatusSent, StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusRead, StatusRead},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusRead, StatusSent, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
	}
	for _, tt := range tests {
		if got := tt.from.Advance(tt.to); got != tt.want {
			t.Errorf("%s.Advance(%s) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"id":"m1","status":"delivered"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}

	var bare Message
	if err := json.Unmarshal([]byte(`{"id":"m2"}`), &bare); err != nil {
		t.Fatal(err)
	}
	if bare.Status != StatusUnknown {
		t.Errorf("missing status decoded as %s", bare.Status)
	}

	var upper Message
	if err := json.Unmarshal([]byte(`{"id":"m3","status":"READ"}`), &upper); err != nil {
		t.Fatal(err)
	}
	if upper.Status != StatusRead {
		t.Errorf("READ decoded as %s", upper.Status)
	}

	var batch []Message
	body := `[{"id":"m4","status":"pending"},{"id":"m5","status":"delivered"}]`
	if err := json.Unmarshal([]byte(body), &batch); err != nil {
		t.Fatalf("one unknown status rejected the batch: %v", err)
	}
	if batch[0].Status != StatusUnknown || batch[1].Status != StatusDelivered {
		t.Errorf("statuses = %s, %s", batch[0].Status, batch[1].Status)
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Error("ParseStatus should still reject unknown names")
	}
}

func TestConvID(t *testing.T) {
	p := NewPending()
	if !p.Pending() || p.IsZero() {
		t.Fatalf("NewPending() = %+v", p)
	}
	if got := ParseConvID(p.String()); got != p {
		t.Errorf("ParseConvID(%q) = %+v, want %+v", p.String(), got, p)
	}

	c := Confirmed("c-42")
	if c.Pending() || c.String() != "c-42" {
		t.Errorf("Confirmed = %+v", c)
	}
	if ParseConvID("c-42") != c {
		t.Error("confirmed id did not round trip")
	}
	if p.String() == Confirmed(p.Value()).String() {
		t.Error("pending and confirmed ids must not share a key")
	}
}
