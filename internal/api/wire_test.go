package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/ratelimit"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestEncodeDecodeRequest(t *testing.T) {
	in, err := Encode(SendTextRequest{ConversationID: "c1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := in.GetFields()["conversationId"].GetStringValue(); got != "c1" {
		t.Errorf("conversationId = %q", got)
	}
	var out SendTextRequest
	if err := Decode(in, &out); err != nil {
		t.Fatal(err)
	}
	if out.ConversationID != "c1" || out.Text != "hi" {
		t.Errorf("out = %+v", out)
	}
}

func TestDecodeNilStruct(t *testing.T) {
	var req ListConversationsRequest
	if err := Decode(nil, &req); err != nil {
		t.Fatal(err)
	}
	if req.Refresh {
		t.Error("empty request should decode to zero value")
	}
}

func TestMessagesKeepStatusNames(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	in, err := Encode(MessagesResponse{Messages: []model.Message{{ID: "m1", CreatedAt: at, Status: model.StatusDelivered}}})
	if err != nil {
		t.Fatal(err)
	}
	var out MessagesResponse
	if err := Decode(in, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Status != model.StatusDelivered || !out.Messages[0].CreatedAt.Equal(at) {
		t.Errorf("out = %+v", out.Messages)
	}
}

func TestEventTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	s, err := EncodeEvent(Event{
		ID:         "e1",
		Profile:    "main",
		Kind:       "channel.state_changed",
		OccurredAt: at,
		Payload:    payloadMap(status.Change{From: status.Connecting, To: status.Connected}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GetFields()["occurredAt"].GetStringValue(); got != "2026-03-01T10:00:00.123456789Z" {
		t.Errorf("occurredAt = %q", got)
	}
	e, err := DecodeEvent(s)
	if err != nil {
		t.Fatal(err)
	}
	if !e.OccurredAt.Equal(at) || e.Kind != "channel.state_changed" || e.Payload["to"] != "CONNECTED" {
		t.Errorf("event = %+v", e)
	}
}

func TestPayloadMap(t *testing.T) {
	if m := payloadMap(intsync.TypingUpdate{ConversationID: "c1", Users: []string{"u2"}}); m["conversationId"] != "c1" {
		t.Errorf("typing payload = %v", m)
	}
	if m := payloadMap("plain"); m["value"] != "plain" {
		t.Errorf("string payload = %v", m)
	}
	if m := payloadMap(nil); m != nil {
		t.Errorf("nil payload = %v", m)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{rest.ErrUnauthorized, codes.Unauthenticated},
		{rest.ErrRefreshExhausted, codes.Unauthenticated},
		{chat.ErrNotSignedIn, codes.Unauthenticated},
		{&ratelimit.LimitError{Op: "fcm.save"}, codes.ResourceExhausted},
		{&rest.NetworkError{Method: "GET", Path: "x", Err: errors.New("down")}, codes.Unavailable},
		{&rest.ServerError{Method: "GET", Path: "x", Status: 502}, codes.Unavailable},
		{realtime.ErrNotConnected, codes.Unavailable},
		{fmt.Errorf("%w: c9", intsync.ErrUnknownConversation), codes.NotFound},
		{chat.ErrEmptyMessage, codes.InvalidArgument},
		{chat.ErrPendingConversation, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := grpcstatus.Code(toStatus(tt.err)); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}
