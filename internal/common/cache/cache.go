// Package cache stores short-lived string markers, such as processed webhook delivery ids,
// either in process memory or in Redis when several replicas share the work.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// Cache defines the operations the dispatcher needs from a marker store
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// LocalCache wraps patrickmn/go-cache for in-memory caching
type LocalCache struct {
	cache *gocache.Cache
}

// NewLocalCache creates a new local cache instance
func NewLocalCache(defaultTTL, cleanupInterval time.Duration) *LocalCache {
	return &LocalCache{cache: gocache.New(defaultTTL, cleanupInterval)}
}

func (l *LocalCache) Get(_ context.Context, key string) (string, bool) {
	v, ok := l.cache.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (l *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.cache.Set(key, value, ttl)
	return nil
}

// SetNX uses go-cache's Add, which fails when the key is already present
func (l *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := l.cache.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (l *LocalCache) Delete(_ context.Context, key string) error {
	l.cache.Delete(key)
	return nil
}

// RedisCache wraps go-redis for caching shared between replicas
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err()
}

func (r *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.keyPrefix+key, value, ttl).Result()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}
