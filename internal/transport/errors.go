package transport

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrPermanent marks recipient failures that will never succeed (blocked, deactivated, unknown chat).
var ErrPermanent = errors.New("recipient unreachable")

// Outcome is the classified result of a send.
type Outcome int

const (
	Delivered Outcome = iota
	PermanentFailure
	RateLimited
	TransientError
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentFailure:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Permanent marks err as a permanent recipient failure so it is not retried.
//
//	return transport.Permanent(fmt.Errorf("bot was blocked: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err is marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// RetryAfter marks err as provider throttling with a mandatory wait.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry a provider-imposed wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string             { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e *retryAfterError) Unwrap() error             { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// Classify maps a Send result to its Outcome. For RateLimited the wait is returned too.
func Classify(err error) (Outcome, time.Duration) {
	if err == nil {
		return Delivered, 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return RateLimited, ra.RetryAfter()
	}
	if IsPermanent(err) {
		return PermanentFailure, 0
	}
	return TransientError, 0
}
