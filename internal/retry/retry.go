// Package retry retries operations with exponential backoff and jitter.
// The server uses it to wait for Redis and PostgreSQL at startup.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return do(ctx, maxAttempts, baseDelay, fn, nil)
}

// Connect is Do for startup dependency checks: every failed attempt is
// logged with the dependency name.
func Connect(ctx context.Context, logger *slog.Logger, name string, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	err := do(ctx, maxAttempts, baseDelay, func() error { return fn(ctx) }, func(attempt int, err error, wait time.Duration) {
		logger.Warn("dependency not ready",
			"dependency", name,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	})
	if err == nil {
		logger.Info("dependency ready", "dependency", name)
	}
	return err
}

func do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error, onRetry func(int, error, time.Duration)) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		wait := jittered(delay)
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay *= 2
	}

	return err
}

// jittered returns d +-25%.
func jittered(d time.Duration) time.Duration {
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
