package rest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is terminal for the session: the credential has been
	// cleared and the user has to log in again.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRefreshExhausted reports that the refresh cap was hit. It is an
	// ErrUnauthorized for every caller that checks with errors.Is.
	ErrRefreshExhausted = fmt.Errorf("%w: refresh attempts exhausted", ErrUnauthorized)
)

// NetworkError is a transport failure: the request never produced a response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response other than 401.
type ServerError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsTransient reports whether err is worth surfacing as a notice rather than
// ending the session: transport failures and server errors.
func IsTransient(err error) bool {
	var netErr *NetworkError
	var srvErr *ServerError
	return errors.As(err, &netErr) || errors.As(err, &srvErr)
}
