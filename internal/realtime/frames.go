package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// Inbound event names.
const (
	EventConnect       = "connect"
	EventTokenExpired  = "tokenExpired"
	EventMessageSent   = "messageSent"
	EventNewMessage    = "newPrivateMessage"
	EventStatusUpdated = "messageStatusUpdated"
	EventTyping        = "typing"
	EventStopTyping    = "stopTyping"
)

// Outbound event names. typing and stopTyping share the inbound names.
const (
	EventPrivateMessage = "privateMessage"
	EventMarkRead       = "markMessagesAsRead"
	EventMarkReadByIDs  = "markMessagesAsReadByIds"
)

// Frame is the JSON envelope of every message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

type statusUpdate struct {
	MessageID  string       `json:"messageId"`
	MessageIDs []string     `json:"messageIds"`
	Status     model.Status `json:"status"`
}

// ids merges the single and batch forms.
func (u statusUpdate) ids() []string {
	out := make([]string, 0, len(u.MessageIDs)+1)
	if u.MessageID != "" {
		out = append(out, u.MessageID)
	}
	for _, id := range u.MessageIDs {
		if id != "" && id != u.MessageID {
			out = append(out, id)
		}
	}
	return out
}

type typingSignal struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type privateMessage struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type markRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type typingIntent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
