// Package resilience implements the retry/backoff pattern shared by the
// Token Cache (auth fetch) and the API Client (transport-layer retry).
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with optional jitter.
type Policy struct {
	// MaxRetries is the number of retry attempts after the first try (0 = no retries).
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor applied to the delay.
	Multiplier float64

	// Jitter adds up to 10% random jitter to each computed delay.
	Jitter bool

	// Retryable decides whether an error should trigger another attempt.
	// If nil, every non-nil error is retried.
	Retryable func(err error) bool

	// OnRetry, if set, is invoked before each backoff sleep with the
	// 1-based attempt number that just failed.
	OnRetry func(attempt int, err error)

	Logger *slog.Logger
}

// Do executes operation, retrying on failure according to the policy.
// Returns nil on success, or the last error once retries are exhausted or a
// non-retryable error is returned. Respects context cancellation during the
// backoff sleep.
func Do(ctx context.Context, policy Policy, operation func() error) error {
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delay := policy.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err, policy.Retryable) {
			return lastErr
		}

		if attempt >= policy.MaxRetries {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err)
		}

		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"delay", delay,
			"error", err,
		)

		if !sleep(ctx, delay) {
			return ctx.Err()
		}

		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

func shouldRetry(err error, retryable func(error) bool) bool {
	if err == nil {
		return false
	}
	if retryable != nil {
		return retryable(err)
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(current time.Duration, policy Policy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if policy.MaxDelay > 0 && next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	if policy.Jitter {
		next += time.Duration(float64(next) * 0.1 * rand.Float64())
	}
	return next
}
