package source

import (
	"context"
	"time"
)

// Limiter is a minimal interface to rate-limit provider calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

type nopLimiter struct{}

func (nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }

// qpsLimiter issues one token per tick to approximate requests-per-second.
type qpsLimiter struct {
	ch <-chan time.Time
}

func (l qpsLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ch:
		return nil
	}
}

// NewLimiter returns a Limiter enforcing req/s. Non-positive rates are
// unlimited.
func NewLimiter(rate int) Limiter {
	if rate <= 0 {
		return nopLimiter{}
	}
	period := time.Second / time.Duration(rate)
	if period <= 0 {
		period = time.Nanosecond
	}
	t := time.NewTicker(period)
	return qpsLimiter{ch: t.C}
}
