package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrMaxRetriesExceeded wraps the last error once every attempt has failed
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration

	// BackoffFactor is the multiplier applied to the delay after every retry (1.2 grows it by 20%)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// RetryableErrors determines which errors should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool

	// OnRetry is called before sleeping, with the attempt that just failed
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a sensible default retry configuration.
//
// Default settings:
//   - MaxAttempts: 3 (initial attempt + 2 retries)
//   - InitialDelay: 1 second
//   - MaxDelay: 30 seconds
//   - BackoffFactor: 2.0 (exponential backoff)
//   - JitterFactor: 0.1 (10% randomization)
//   - RetryableErrors: All errors are retryable
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryableErrors: func(err error) bool {
			return true
		},
	}
}

// RetryWithBackoff executes a function with exponential backoff retry strategy.
//
// Returns:
//   - nil if the function succeeds within the attempt limit
//   - an error wrapping ErrMaxRetriesExceeded and the last error if all attempts fail
//   - "retry cancelled" error if context is cancelled
//   - The original error if it's determined to be non-retryable
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := withJitter(delay, config.JitterFactor)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		if config.BackoffFactor > 0 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// Retry executes a function with simple fixed-delay retry logic.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	config := RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
	}
	return RetryWithBackoff(context.Background(), config, fn)
}

func withJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	jitter := int64(float64(delay) * factor)
	if jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int64N(jitter))
}
