package utils

import (
	"context"
	"time"
)

// Backoff computes capped exponential delays for bounded retry loops.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given retry. Attempts are 1-based; the
// delay doubles per attempt and never exceeds Cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}
	return delay
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts. Only
// transient errors are retried; any other error, or context cancellation,
// stops the loop immediately. The last error is returned.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
