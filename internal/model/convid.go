package model

import (
	"strings"

	"github.com/google/uuid"
)

const pendingPrefix = "pending:"

// ConvID identifies a conversation either by a temporary local id, while its
// creation request is outstanding, or by the id the server confirmed.
type ConvID struct {
	value   string
	pending bool
}

// Confirmed wraps a server-assigned id.
func Confirmed(id string) ConvID {
	return ConvID{value: id}
}

// NewPending allocates a fresh temporary id.
func NewPending() ConvID {
	return ConvID{value: uuid.NewString(), pending: true}
}

// ParseConvID reverses String.
func ParseConvID(s string) ConvID {
	if rest, ok := strings.CutPrefix(s, pendingPrefix); ok {
		return ConvID{value: rest, pending: true}
	}
	return ConvID{value: s}
}

// Pending reports whether the id is a local placeholder.
func (c ConvID) Pending() bool { return c.pending }

// Value returns the bare id without the pending marker.
func (c ConvID) Value() string { return c.value }

// IsZero reports whether the id is empty.
func (c ConvID) IsZero() bool { return c.value == "" }

// String is the key used in maps, the cache and the control surface.
// Pending ids carry a prefix so they can never collide with server ids.
func (c ConvID) String() string {
	if c.pending {
		return pendingPrefix + c.value
	}
	return c.value
}
