package bus

import "time"

// Event kinds published by the core. Subscribers filter by prefix, so the
// part up to and including the first dot is the namespace.
const (
	KindConversations = "state.conversations"
	KindMessages      = "state.messages"
	KindTyping        = "state.typing"

	KindSessionStarted = "session.started"
	KindSessionEnded   = "session.ended"
	KindTokenRotated   = "session.token_rotated"

	KindChannelState = "channel.state_changed"

	KindNotice = "notice.transient"
)

// Reasons carried by session.ended.
const (
	ReasonLogout       = "logout"
	ReasonUnauthorized = "unauthorized"
	ReasonTokenExpired = "token_expired"
)

// SessionEnd is the payload of session.ended.
type SessionEnd struct {
	Reason string `json:"reason"`
}

// SessionStart is the payload of session.started.
type SessionStart struct {
	UserID string `json:"userId"`
}

// Notice is the payload of notice.transient: a failure that was reported to
// the user without ending the session.
type Notice struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// Event is a state change notification delivered to the presentation layer.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the subscription prefix of the event kind ("state." for
// "state.messages"). Kinds without a dot are their own namespace.
func Namespace(kind string) string {
	for i := 0; i < len(kind); i++ {
		if kind[i] == '.' {
			return kind[:i+1]
		}
	}
	return kind
}
