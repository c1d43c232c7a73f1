package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/push"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Requests and responses of the control service travel as structpb.Struct
// values. The types below are their JSON shapes.

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ListConversationsRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type SendTextRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type CreateConversationRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

type DeviceRequest struct {
	Token string `json:"token"`
}

type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type WatchRequest struct {
	// Prefix filters event kinds, e.g. "state.". Empty receives everything.
	Prefix string `json:"prefix,omitempty"`
}

// StatusView is the Status response.
type StatusView struct {
	Profile            string           `json:"profile"`
	UptimeMs           int64            `json:"uptimeMs"`
	SignedIn           bool             `json:"signedIn"`
	Revoked            bool             `json:"revoked,omitempty"`
	User               *credential.User `json:"user,omitempty"`
	Channel            string           `json:"channel"`
	ChannelSince       *time.Time       `json:"channelSince,omitempty"`
	Conversations      int              `json:"conversations"`
	Active             string           `json:"active,omitempty"`
	TokenSubject       string           `json:"tokenSubject,omitempty"`
	TokenExpiresAt     *time.Time       `json:"tokenExpiresAt,omitempty"`
	RefreshAttempts    int              `json:"refreshAttempts"`
	RefreshMaxAttempts int              `json:"refreshMaxAttempts"`
	RefreshInFlight    bool             `json:"refreshInFlight,omitempty"`
}

// ConversationView is a conversation as listed to clients.
type ConversationView struct {
	ID            string     `json:"id"`
	Pending       bool       `json:"pending,omitempty"`
	Unconfirmed   bool       `json:"unconfirmed,omitempty"`
	Peer          model.Peer `json:"peer"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	Unread        bool       `json:"unread"`
}

func conversationView(c model.Conversation) ConversationView {
	return ConversationView{
		ID:            c.ID.String(),
		Pending:       c.ID.Pending(),
		Unconfirmed:   c.Unconfirmed,
		Peer:          c.Peer,
		LastMessageAt: c.LastMessageAt,
		Unread:        c.Unread,
	}
}

type ConversationsResponse struct {
	Conversations []ConversationView `json:"conversations"`
}

type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
	Typing   []string        `json:"typing,omitempty"`
}

type UserResponse struct {
	User *credential.User `json:"user"`
}

type UsersResponse struct {
	Users []credential.User `json:"users"`
}

type CountsResponse struct {
	Counts map[string]int `json:"counts"`
}

type DevicesResponse struct {
	Devices []push.Device `json:"devices"`
}

type CreateConversationResponse struct {
	ConversationID string `json:"conversationId"`
	Pending        bool   `json:"pending,omitempty"`
}

type SearchHit struct {
	Message model.Message `json:"message"`
	Snippet string        `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

// Event is one bus event as streamed by Watch.
type Event struct {
	ID         string         `json:"id"`
	Profile    string         `json:"profile"`
	Kind       string         `json:"kind"`
	OccurredAt time.Time      `json:"-"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from s. A nil Struct decodes as an empty object.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// EncodeEvent encodes e with its time as a protobuf Timestamp in JSON form.
func EncodeEvent(e Event) (*structpb.Struct, error) {
	out, err := Encode(e)
	if err != nil {
		return nil, err
	}
	ts, err := protojson.Marshal(timestamppb.New(e.OccurredAt))
	if err != nil {
		return nil, fmt.Errorf("encode event time: %w", err)
	}
	out.Fields["occurredAt"] = structpb.NewStringValue(strings.Trim(string(ts), `"`))
	return out, nil
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(s *structpb.Struct) (Event, error) {
	var e Event
	if err := Decode(s, &e); err != nil {
		return Event{}, err
	}
	if raw := s.GetFields()["occurredAt"].GetStringValue(); raw != "" {
		var ts timestamppb.Timestamp
		if err := protojson.Unmarshal([]byte(strconv.Quote(raw)), &ts); err != nil {
			return Event{}, fmt.Errorf("decode event time: %w", err)
		}
		e.OccurredAt = ts.AsTime()
	}
	return e, nil
}
