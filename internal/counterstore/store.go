// Package counterstore provides the client for the shared atomic counter store
// used by the rate limiter. A Backend performs a single increment-with-expiry
// round trip; the Client wraps it with a per-attempt timeout, bounded
// exponential backoff retries and a wall-clock deadline over the whole
// operation, and reports the outcome as an explicit Result.
package counterstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when the counter store could not serve an
// operation within its timeout and retry budget, or refused the connection.
var ErrUnavailable = errors.New("counter store unavailable")

// Backend is a single-round-trip counter store. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Increment atomically increments key and returns the new value. When the
	// key has no expiry (first increment of a window), the expiry is set to
	// ttl in the same atomic step.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases connections.
	Close() error
}

// Status classifies the outcome of a counter store operation.
type Status int

const (
	StatusOK Status = iota
	StatusUnavailable
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of Client.Increment. Count is meaningful only when
// Status is StatusOK.
type Result struct {
	Count    int64
	Status   Status
	Attempts int
	Elapsed  time.Duration
	Cause    error
}

// OK reports whether the increment succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Err returns nil for a successful result and an error wrapping
// ErrUnavailable otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Status: r.Status, Attempts: r.Attempts, Err: r.Cause}
}

// Error describes a failed counter store operation. It always matches
// ErrUnavailable with errors.Is.
type Error struct {
	Status   Status
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s after %d attempts): %v", ErrUnavailable, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s (%s after %d attempts)", ErrUnavailable, e.Status, e.Attempts)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}
