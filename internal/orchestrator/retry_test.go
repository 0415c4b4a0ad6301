package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDefaults(t *testing.T) {
	policy := DefaultRetryPolicy()

	if !policy.ShouldRetry(1) || !policy.ShouldRetry(2) {
		t.Error("expected attempts 1 and 2 to allow a retry")
	}
	if policy.ShouldRetry(3) {
		t.Error("should not retry after max attempts")
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if delay := policy.NextDelay(attempt); delay != 1*time.Second {
			t.Errorf("attempt %d: expected fixed 1s delay, got %v", attempt, delay)
		}
	}
}

func TestRetryPolicyDoubling(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := policy.NextDelay(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   10.0,
		MaxDelay:     30 * time.Second,
	}

	delay := policy.NextDelay(5)
	if delay != policy.MaxDelay {
		t.Errorf("expected delay capped at %v, got %v", policy.MaxDelay, delay)
	}
}

func TestRetryPolicyZeroAttemptsStillVerifiesOnce(t *testing.T) {
	policy := &RetryPolicy{}
	if policy.ShouldRetry(1) {
		t.Error("a zero policy must allow exactly one attempt")
	}
}

func TestRetryPolicyWaitCancelled(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 1}
	cause := errors.New("operator abort")
	ctx, cancel := context.WithCancelCause(context.Background())

	done := make(chan error, 1)
	go func() { done <- policy.Wait(ctx, 1) }()
	cancel(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Errorf("expected cancel cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestRetryPolicyWaitElapses(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1}
	if err := policy.Wait(context.Background(), 1); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
