// Package ratelimit bounds global outbound throughput with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every delivery worker.
//
// Tokens refill continuously at the configured rate. Acquire reserves its
// token before sleeping, so concurrent callers queue behind each other
// instead of waking together.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter allowing perSec operations per second with a burst
// of one token. perSec <= 0 disables limiting.
func New(perSec float64) *Limiter {
	return NewWithBurst(perSec, 1)
}

// NewWithBurst is New with an explicit bucket capacity.
func NewWithBurst(perSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	return &Limiter{lim: rate.NewLimiter(limit, burst)}
}

// Acquire blocks until one token is available and consumes it.
// It only fails when ctx ends first; the reserved token is then returned.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r := l.lim.Reserve()
	d := r.Delay()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Rate is the refill rate in tokens per second (0 when unlimited).
func (l *Limiter) Rate() float64 {
	if l == nil || l.lim.Limit() == rate.Inf {
		return 0
	}
	return float64(l.lim.Limit())
}

func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.lim.Burst()
}

// SetRate changes the refill rate for subsequent reservations.
func (l *Limiter) SetRate(perSec float64) {
	if l == nil {
		return
	}
	if perSec <= 0 {
		l.lim.SetLimit(rate.Inf)
		return
	}
	l.lim.SetLimit(rate.Limit(perSec))
}
