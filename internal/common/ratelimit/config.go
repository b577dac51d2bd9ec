package ratelimit

import (
	"time"

	"ci-replicator/internal/common/errors"
)

// Config represents rate limiter configuration
type Config struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	BurstSize         int     `koanf:"burst_size"`
	Enabled           bool    `koanf:"enabled"`

	// Cleanup settings for keyed limiters
	MaxKeys       int           `koanf:"max_keys"`
	CleanupPeriod time.Duration `koanf:"cleanup_period"`
}

// Validate fills defaults and rejects impossible settings
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequestsPerSecond < 0 || c.BurstSize < 0 {
		return errors.ConfigError("rate limit must not be negative")
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.BurstSize == 0 {
		c.BurstSize = max(1, int(c.RequestsPerSecond))
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	if c.CleanupPeriod <= 0 {
		c.CleanupPeriod = 5 * time.Minute
	}
	return nil
}

// DefaultConfig returns a default rate limiter configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         10,
		Enabled:           true,
		MaxKeys:           10000,
		CleanupPeriod:     5 * time.Minute,
	}
}
