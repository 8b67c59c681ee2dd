package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth rejects a connection handshake. Clients must not retry with the same token.
	ErrAuth = errors.New("unauthorized")

	// ErrRateLimited rejects a single action; the connection survives.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable reports that the shared state store could not serve a call.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrValidation reports a malformed client payload.
	ErrValidation = errors.New("validation failed")
)

// RateLimitError carries retry metadata for a throttled action.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: %s", e.Action, ErrRateLimited)
	}
	return fmt.Sprintf("%s: %s: retry after %s", e.Action, ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StoreUnavailableError wraps a failed shared-store round trip.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStoreUnavailable) match while Unwrap still exposes
// the cause (for example context.DeadlineExceeded).
func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// ValidationError describes a rejected field of a client payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Unavailable wraps err as a StoreUnavailableError unless it already is one.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var su *StoreUnavailableError
	if errors.As(err, &su) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
