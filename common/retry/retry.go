// Package retry provides bounded fixed-delay retries for transient errors.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{Attempts: 2, Delay: time.Second}, func() error {
//	    return client.Call()
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry loop.
type Config struct {
	// Attempts is the total number of tries, including the first.
	// Zero or negative values are treated as 1 (no retries).
	Attempts int
	// Delay is the fixed wait between consecutive tries.
	Delay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as transient. When nil, every non-nil error is retried.
	ShouldRetry func(err error) bool
}

// Do calls fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. The wait between tries is fixed rather than growing; callers
// that need backoff choose a larger Delay. The error from the last attempt
// is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.Attempts {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "of", cfg.Attempts,
				"delay", cfg.Delay, "err", lastErr)

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(cfg.Delay):
			}
		}
	}

	return lastErr
}
