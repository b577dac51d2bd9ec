package cache

import (
	"time"

	"github.com/go-redis/redis/v8"

	"ci-replicator/internal/common/errors"
)

// Backend selects where markers live
type Backend string

const (
	TypeLocal Backend = "local"
	TypeRedis Backend = "redis"
)

// Config holds cache configuration
type Config struct {
	Type Backend
	// TTL is the default expiry for local entries; Redis entries always carry their own
	TTL             time.Duration
	CleanupInterval time.Duration
	KeyPrefix       string
	RedisClient     *redis.Client
}

// DefaultConfig keeps markers in process memory for an hour
func DefaultConfig() Config {
	return Config{
		Type:            TypeLocal,
		TTL:             time.Hour,
		CleanupInterval: 10 * time.Minute,
		KeyPrefix:       "ci-replicator:",
	}
}

// New returns the marker store cfg asks for. A Redis cache without a client is a
// configuration error.
func New(cfg Config) (Cache, error) {
	switch cfg.Type {
	case "", TypeLocal:
		return NewLocalCache(cfg.TTL, cfg.CleanupInterval), nil
	case TypeRedis:
		if cfg.RedisClient == nil {
			return nil, errors.ConfigError("redis cache requires a connected client")
		}
		return NewRedisCache(cfg.RedisClient, cfg.KeyPrefix), nil
	}
	return nil, errors.ConfigError("unknown cache backend: " + string(cfg.Type))
}
