package orchestrator

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds the verification polling loop. Delays grow from
// InitialDelay by Multiplier per attempt (1.0 keeps them fixed), capped at
// MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s fixed delay, 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   1.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether another verification may follow the given
// 1-indexed attempt.
func (p *RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.maxAttempts()
}

func (p *RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NextDelay returns the wait after the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Wait suspends for NextDelay(attempt) or until ctx is done, in which case
// it returns the context's cause.
func (p *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	delay := p.NextDelay(attempt)
	if delay <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
