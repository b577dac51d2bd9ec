package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_Burst(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{RequestsPerSecond: 10, BurstSize: 5, Enabled: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.TryAcquire(), "request %d should be allowed", i)
	}
	assert.False(t, limiter.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, limiter.Wait(ctx))
}

func TestLocalLimiter_Keys(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{RequestsPerSecond: 1, BurstSize: 2, Enabled: true})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.True(t, limiter.TryAcquireForKey("github.com"))
		assert.True(t, limiter.TryAcquireForKey("github.example.com"))
	}
	assert.False(t, limiter.TryAcquireForKey("github.com"))
	assert.False(t, limiter.TryAcquireForKey("github.example.com"))
}

func TestLocalLimiter_CleanupDropsIdleKeys(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true, CleanupPeriod: time.Minute})
	require.NoError(t, err)
	l := limiter.(*localLimiter)

	now := time.Now()
	l.now = func() time.Time { return now }
	assert.True(t, l.TryAcquireForKey("a"))
	assert.False(t, l.TryAcquireForKey("a"))

	now = now.Add(2 * time.Minute)
	l.limiterFor("b")
	_, kept := l.limiters["a"]
	assert.False(t, kept)
}

func TestUnlimited(t *testing.T) {
	limiter := Unlimited()
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.TryAcquire())
	}
	assert.NoError(t, limiter.WaitForKey(context.Background(), "x"))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10.0, cfg.RequestsPerSecond)
	assert.Equal(t, 10, cfg.BurstSize)

	bad := Config{Enabled: true, RequestsPerSecond: -1}
	assert.Error(t, bad.Validate())
}
