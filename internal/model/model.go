// Package model defines the conversation and message records shared by the
// REST client, the realtime channel, the reconciler and the cache.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the delivery state of a message. The zero value is unknown and
// orders before every real state.
type Status int

const (
	StatusUnknown Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = [...]string{"", "sent", "delivered", "read"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus maps a wire name to a Status, ignoring case.
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range statusNames {
		if i > 0 && n == name {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown message status %q", name)
}

// Advance returns the later of s and to. Status never moves backwards.
func (s Status) Advance(to Status) Status {
	if to > s {
		return to
	}
	return s
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes unrecognised names as StatusUnknown so one odd
// message does not reject a whole snapshot.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseStatus(name)
	if err != nil {
		v = StatusUnknown
	}
	*s = v
	return nil
}

// Peer is the other participant of a one-to-one conversation.
type Peer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a single chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         Status    `json:"status,omitempty"`
}

// Conversation is a one-to-one thread as shown in the conversation list.
type Conversation struct {
	ID            ConvID     `json:"-"`
	Peer          Peer       `json:"user"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
	Unread        bool       `json:"unread"`
	// Unconfirmed is set when the server accepted a creation request but the
	// response carried no usable id.
	Unconfirmed bool `json:"-"`
}
