package errors

import (
	"errors"
	"fmt"
)

// Common error types shared by the engine and the proxy backend.
var (
	// Registry errors
	ErrUnknownClient    = errors.New("unknown client")
	ErrClientNotAllowed = errors.New("grant not allowed for client")

	// Request errors
	ErrUnsupportedGrant = errors.New("unsupported grant type")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrMissingEndpoint  = errors.New("endpoint not configured")

	// Flow errors
	ErrStateMismatch = errors.New("state does not match any flow")
	ErrNoActiveFlow  = errors.New("no active flow")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
