// Package redis owns the shared go-redis connection used for delivery dedup and run locks
package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"ci-replicator/internal/common/errors"
)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewClient connects and pings; a failed ping is returned as an error
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	if config == nil || config.Address == "" {
		return nil, errors.ConfigError("redis address is required")
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.ConnectionError("failed to connect to Redis", err).WithContext("address", config.Address)
	}

	return &Client{rdb: rdb, config: config}, nil
}

// GoRedis exposes the underlying client for redsync and the cache
func (c *Client) GoRedis() *redis.Client {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings Redis
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}
