// Package ratelimit paces outgoing requests to the CI backend and the SCM API
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces callers; keyed methods keep one bucket per key
type Limiter interface {
	Wait(ctx context.Context) error
	TryAcquire() bool
	WaitForKey(ctx context.Context, key string) error
	TryAcquireForKey(key string) bool
}

// localLimiter implements rate limiting using golang.org/x/time/rate
type localLimiter struct {
	mu       sync.Mutex
	config   Config
	limiters map[string]*limiterEntry

	globalLimiter *rate.Limiter
	lastCleanup   time.Time
	now           func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter(config Config) (Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &localLimiter{
		config:        config,
		limiters:      make(map[string]*limiterEntry),
		globalLimiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize),
		lastCleanup:   time.Now(),
		now:           time.Now,
	}, nil
}

// Unlimited returns a limiter that never blocks
func Unlimited() Limiter {
	l, _ := NewLocalLimiter(Config{Enabled: false})
	return l
}

func (rl *localLimiter) Wait(ctx context.Context) error {
	if !rl.config.Enabled {
		return nil
	}
	return rl.globalLimiter.Wait(ctx)
}

func (rl *localLimiter) TryAcquire() bool {
	if !rl.config.Enabled {
		return true
	}
	return rl.globalLimiter.Allow()
}

func (rl *localLimiter) WaitForKey(ctx context.Context, key string) error {
	if !rl.config.Enabled {
		return nil
	}
	return rl.limiterFor(key).Wait(ctx)
}

func (rl *localLimiter) TryAcquireForKey(key string) bool {
	if !rl.config.Enabled {
		return true
	}
	return rl.limiterFor(key).Allow()
}

func (rl *localLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > rl.config.CleanupPeriod {
		rl.cleanup(now)
	}

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.limiters[key] = entry
		if len(rl.limiters) > rl.config.MaxKeys {
			rl.cleanup(now)
		}
	}
	entry.lastUsed = now
	return entry.limiter
}

// cleanup drops buckets idle for longer than the cleanup period
func (rl *localLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.config.CleanupPeriod)
	for key, entry := range rl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
	rl.lastCleanup = now
}
