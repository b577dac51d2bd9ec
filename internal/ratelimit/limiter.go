// Package ratelimit limits inbound webhook requests per client. Replicas sharing a Redis
// count against one fixed window; a single process falls back to token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	localrate "ci-replicator/internal/common/ratelimit"

	"github.com/go-redis/redis/v8"
)

type Config struct {
	Limit   int
	Window  time.Duration
	Enabled bool
}

func DefaultConfig() Config {
	return Config{Limit: 600, Window: time.Minute, Enabled: true}
}

// RateLimit is the state of one key after a request was counted
type RateLimit struct {
	Limit     int
	Window    time.Duration
	Remaining int
	ResetTime time.Time
}

// Allowed reports whether the counted request fits the window
func (r *RateLimit) Allowed() bool {
	return r.Remaining >= 0
}

type Limiter struct {
	redis  *redis.Client
	local  localrate.Limiter
	config Config
	logger logging.Logger
	now    func() time.Time
}

// NewLimiter counts in Redis when client is set and in process otherwise
func NewLimiter(client *redis.Client, config Config, logger logging.Logger) (*Limiter, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.Enabled && (config.Limit <= 0 || config.Window <= 0) {
		return nil, errors.ConfigError("webhook rate limit and window must be positive")
	}

	l := &Limiter{redis: client, config: config, logger: logger, now: time.Now}
	if client == nil && config.Enabled {
		local, err := localrate.NewLocalLimiter(localrate.Config{
			RequestsPerSecond: float64(config.Limit) / config.Window.Seconds(),
			BurstSize:         config.Limit,
			Enabled:           true,
		})
		if err != nil {
			return nil, err
		}
		l.local = local
	}
	return l, nil
}

// CheckLimit counts one request for key
func (l *Limiter) CheckLimit(ctx context.Context, key string) (*RateLimit, error) {
	now := l.now()
	if !l.config.Enabled {
		return &RateLimit{Limit: l.config.Limit, Window: l.config.Window, Remaining: l.config.Limit, ResetTime: now}, nil
	}

	windowStart := now.Truncate(l.config.Window)
	result := &RateLimit{Limit: l.config.Limit, Window: l.config.Window, ResetTime: windowStart.Add(l.config.Window)}

	if l.redis == nil {
		if l.local.TryAcquireForKey(key) {
			result.Remaining = 0
		} else {
			result.Remaining = -1
		}
		return result, nil
	}

	redisKey := fmt.Sprintf("rate_limit:%s:%d", key, windowStart.Unix())
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.config.Window)
		return nil
	})
	if err != nil {
		return nil, errors.InternalError("failed to check rate limit", err)
	}
	result.Remaining = l.config.Limit - int(incr.Val())
	return result, nil
}

// HTTPMiddleware answers 429 once a key exhausts its window. Requests without a key, and
// requests arriving while Redis is unavailable, pass.
func (l *Limiter) HTTPMiddleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !l.config.Enabled || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			rateLimit, err := l.CheckLimit(r.Context(), key)
			if err != nil {
				l.logger.Warn("Rate limit check failed", logging.String("key", key), logging.Err(err))
				next.ServeHTTP(w, r)
				return
			}

			if l.redis != nil {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateLimit.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(rateLimit.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rateLimit.ResetTime.Unix(), 10))
			}

			if !rateLimit.Allowed() {
				retry := max(int(rateLimit.ResetTime.Sub(l.now()).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPBasedKey keys on the first forwarded client address, falling back to the peer address
func IPBasedKey(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ip, _, _ = strings.Cut(ip, ",")
		ip = strings.TrimSpace(ip)
	}
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	return "ip:" + ip
}

// HostBasedKey keys on the GitHub Enterprise host header, so one noisy installation cannot
// starve the others
func HostBasedKey(r *http.Request) string {
	host := r.Header.Get("X-GitHub-Enterprise-Host")
	if host == "" {
		return IPBasedKey(r)
	}
	return "host:" + host
}
