package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt missed or failed.
var ErrExhausted = errors.New("attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	// Backoff is slept between attempts, never after the last one.
	Backoff time.Duration
	// OnMiss is called after every unsuccessful attempt, with the attempt's error if it had one.
	OnMiss func(attempt int, err error)
}

// Op is one attempt. It returns ok=false for a miss.
// A returned error also counts as a miss, it never aborts the loop.
type Op[T any] func(ctx context.Context, attempt int) (v T, ok bool, err error)

// Do runs op until it succeeds or the attempt budget is spent.
// On exhaustion the returned error wraps ErrExhausted and the last attempt's error, if any.
func Do[T any](ctx context.Context, p Policy, op Op[T]) (T, error) {
	var zero T
	var lastErr error
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		v, ok, err := op(ctx, attempt)
		if err == nil && ok {
			return v, nil
		}
		lastErr = err
		if p.OnMiss != nil {
			p.OnMiss(attempt, err)
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, p.Backoff); err != nil {
			return zero, fmt.Errorf("%w after %d/%d attempts: %w", ErrExhausted, attempt, attempts, err)
		}
	}
	if lastErr != nil {
		return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	}
	return zero, fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
