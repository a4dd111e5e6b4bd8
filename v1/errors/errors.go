package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnavailable reports that a store refused to serve the request without
	// contacting the backend, e.g. because a circuit breaker is open.
	ErrUnavailable = errors.New("store unavailable")
)

// FromContext maps a context deadline to ErrTimeout and leaves every other
// error untouched.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
