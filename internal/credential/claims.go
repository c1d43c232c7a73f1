package credential

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are read from a bearer token for display only. They are never
// verified and never used to decide when to refresh.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Peek decodes the claims of a JWT-shaped token without verifying it.
// Opaque tokens return an error; callers treat that as "unknown".
func Peek(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("peek token: %w", err)
	}
	var c Claims
	c.Subject = rc.Subject
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}
