package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTarget means the scope cannot host a bastion. Never retried.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotFound means a referenced resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrUnavailable means the guard refused the call because the breaker is open.
	ErrUnavailable = errors.New("cloud provider unavailable")
)

// TransientError wraps a failure worth retrying: 5xx, network errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ThrottleError is a transient failure carrying the server's Retry-After hint.
type ThrottleError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s: throttled, retry after %s: %v", e.Op, e.RetryAfter, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var th *ThrottleError
	return errors.As(err, &th)
}

// RetryAfter extracts the server-provided delay from a throttling error.
func RetryAfter(err error) (time.Duration, bool) {
	var th *ThrottleError
	if errors.As(err, &th) && th.RetryAfter > 0 {
		return th.RetryAfter, true
	}
	return 0, false
}
