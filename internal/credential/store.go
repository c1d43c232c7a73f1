// Package credential holds the process-wide bearer credential.
//
// The Store is a value holder: it never decides whether a token is expired.
// Expiry is learned from server rejections by the request pipeline, and only
// login, signup, logout and the refresh coordinator write to it.
package credential

import "sync"

// User is the account record returned alongside an access token.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Snapshot is a consistent read of the store.
type Snapshot struct {
	Token   string
	User    *User
	Revoked bool
	// Version increases on every write, so readers can tell a rotated
	// token from the one they used.
	Version uint64
}

// Valid reports whether the snapshot carries a usable token.
func (s Snapshot) Valid() bool {
	return s.Token != "" && !s.Revoked
}

// Store holds the current bearer token, the signed-in user and whether the
// session was revoked.
type Store struct {
	mu      sync.RWMutex
	token   string
	user    *User
	revoked bool
	version uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Token returns the current bearer token, or "" when there is none.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.revoked {
		return ""
	}
	return s.token
}

// Snapshot returns token, user and revocation state read together.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Token: s.token, Revoked: s.revoked, Version: s.version}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

// Set installs a fresh credential and user after login or signup.
func (s *Store) Set(token string, user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.revoked = false
	s.user = nil
	if user != nil {
		u := *user
		s.user = &u
	}
	s.version++
}

// SetToken replaces the token after a refresh and keeps the user record.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.revoked = false
	s.version++
}

// SetTokenIf installs a refreshed token only if nothing has written the
// store since version was read. It reports whether the token was installed.
func (s *Store) SetTokenIf(version uint64, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version || s.token == "" {
		return false
	}
	s.token = token
	s.revoked = false
	s.version++
	return true
}

// ClearIf drops the credential only if it is still the one read at version.
func (s *Store) ClearIf(version uint64, revoked bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.token = ""
	s.user = nil
	s.revoked = revoked
	s.version++
	return true
}

// Clear drops the credential. revoked marks a server-side invalidation as
// opposed to a local logout.
func (s *Store) Clear(revoked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = nil
	s.revoked = revoked
	s.version++
}
