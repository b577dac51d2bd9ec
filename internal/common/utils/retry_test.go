package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
	assert.True(t, config.RetryableErrors(errors.New("any error")))
}

func TestRetryWithBackoff_Success(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = time.Millisecond

	attempts := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = time.Millisecond

	attempts := 0
	testError := errors.New("persistent error")

	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		return testError
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, testError)
}

func TestRetryWithBackoff_NonRetryableReturnsImmediately(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = time.Millisecond
	config.RetryableErrors = func(err error) bool { return false }

	attempts := 0
	testError := errors.New("fatal")
	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		return testError
	})

	assert.Equal(t, testError, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_MultiplierGrowsDelay(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  10 * time.Millisecond,
		BackoffFactor: 1.2,
	}

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = RetryWithBackoff(context.Background(), config, func() error {
		return errors.New("not yet")
	})

	require.Len(t, delays, 3)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.InDelta(t, float64(12*time.Millisecond), float64(delays[1]), float64(time.Microsecond))
	assert.InDelta(t, float64(14400*time.Microsecond), float64(delays[2]), float64(time.Microsecond))
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, config, func() error {
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry(t *testing.T) {
	attempts := 0
	err := Retry(3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}
