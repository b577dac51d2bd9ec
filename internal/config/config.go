// Package config loads process settings from the environment and the CI config document
// (backends, GitHub hosts, job mappings) from YAML.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - CI_CONFIG_PATH: CI config document (default: ./ci-config.yaml)
//   - WEBHOOK_SECRET: HMAC secret for X-Hub-Signature-256 (optional)
//   - TEMPLATE_DIR: Directory with <name>.yaml.tmpl pipeline templates (optional)
//   - JOB_IMAGE: Image of steps that name none (optional)
//   - RESOURCE_WEBHOOK_TOKEN: Token rendered into webhook-driven resources (optional)
//   - WEBHOOK_RATE_LIMIT: Webhook requests per client and window, 0 disables (default: 600)
//   - WEBHOOK_RATE_WINDOW: Webhook rate limit window (default: 1m)
//
// Concurrency:
//   - REPLICATION_WORKERS: Parallel render/deploy workers (default: 16)
//   - ENUMERATION_WORKERS: Parallel definition fetches (default: 16)
//   - DISPATCH_WORKERS: Webhook task workers (default: 8)
//   - DISPATCH_QUEUE_SIZE: Webhook task queue size (default: 256)
//
// Retries:
//   - PR_RECONCILE_RETRIES (10), PR_RECONCILE_BACKOFF (1.2), PR_RECONCILE_INITIAL_DELAY (2s)
//   - RESOURCE_CHECK_RETRIES (5), RESOURCE_CHECK_DELAY (1s)
//   - ABORT_MAX_BUILDS: Running builds inspected per push (default: 5)
//
// Cleanup:
//   - KEEP_PIPELINES_EXPR: expr-lang expression over {name, team, backend}; true keeps a stale pipeline
//   - REPLICATOR_PIPELINE_NAME: the replicator's own pipeline, never removed
//
// Redis (optional, enables shared delivery dedup and distributed run locks):
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB (0), REDIS_POOL_SIZE (10)
//
// Mail:
//   - SMTP_ENABLED, SMTP_HOST, SMTP_PORT (587), SMTP_USERNAME, SMTP_PASSWORD,
//     SMTP_FROM, SMTP_FROM_NAME, SMTP_USE_SSL, SMTP_USE_TLS (true), SMTP_SKIP_VERIFY
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ci-replicator/internal/common/errors"
)

// Config holds all process configuration values
type Config struct {
	Port          string
	LogLevel      string
	CIConfigPath  string
	WebhookSecret string
	TemplateDir   string
	JobImage      string

	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	ReplicationWorkers int
	EnumerationWorkers int
	DispatchWorkers    int
	DispatchQueueSize  int

	PRReconcileRetries      int
	PRReconcileBackoff      float64
	PRReconcileInitialDelay time.Duration
	ResourceCheckRetries    int
	ResourceCheckDelay      time.Duration
	AbortMaxBuilds          int

	BackendRequestsPerSecond float64
	SCMRequestsPerSecond     float64

	KeepPipelinesExpr      string
	ReplicatorPipelineName string
	// ResourceWebhookToken is rendered into git and pull request resources
	ResourceWebhookToken string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	SMTPEnabled    bool
	SMTPHost       string
	SMTPPort       string
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPFromName   string
	SMTPUseSSL     bool
	SMTPUseTLS     bool
	SMTPSkipVerify bool
}

// Load creates a new Config instance with values loaded from environment variables.
// It does not validate; call Validate before use.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		CIConfigPath:  getEnv("CI_CONFIG_PATH", "./ci-config.yaml"),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		TemplateDir:   getEnv("TEMPLATE_DIR", ""),
		JobImage:      getEnv("JOB_IMAGE", ""),

		WebhookRateLimit:  getIntEnv("WEBHOOK_RATE_LIMIT", 600),
		WebhookRateWindow: getDurationEnv("WEBHOOK_RATE_WINDOW", time.Minute),

		ReplicationWorkers: getIntEnv("REPLICATION_WORKERS", 16),
		EnumerationWorkers: getIntEnv("ENUMERATION_WORKERS", 16),
		DispatchWorkers:    getIntEnv("DISPATCH_WORKERS", 8),
		DispatchQueueSize:  getIntEnv("DISPATCH_QUEUE_SIZE", 256),

		PRReconcileRetries:      getIntEnv("PR_RECONCILE_RETRIES", 10),
		PRReconcileBackoff:      getFloatEnv("PR_RECONCILE_BACKOFF", 1.2),
		PRReconcileInitialDelay: getDurationEnv("PR_RECONCILE_INITIAL_DELAY", 2*time.Second),
		ResourceCheckRetries:    getIntEnv("RESOURCE_CHECK_RETRIES", 5),
		ResourceCheckDelay:      getDurationEnv("RESOURCE_CHECK_DELAY", time.Second),
		AbortMaxBuilds:          getIntEnv("ABORT_MAX_BUILDS", 5),

		BackendRequestsPerSecond: getFloatEnv("BACKEND_REQUESTS_PER_SECOND", 20),
		SCMRequestsPerSecond:     getFloatEnv("SCM_REQUESTS_PER_SECOND", 10),

		KeepPipelinesExpr:      getEnv("KEEP_PIPELINES_EXPR", ""),
		ReplicatorPipelineName: getEnv("REPLICATOR_PIPELINE_NAME", ""),
		ResourceWebhookToken:   getEnv("RESOURCE_WEBHOOK_TOKEN", ""),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		SMTPEnabled:    getBoolEnv("SMTP_ENABLED", false),
		SMTPHost:       getEnv("SMTP_HOST", ""),
		SMTPPort:       getEnv("SMTP_PORT", "587"),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:       getEnv("SMTP_FROM", ""),
		SMTPFromName:   getEnv("SMTP_FROM_NAME", "CI Replicator"),
		SMTPUseSSL:     getBoolEnv("SMTP_USE_SSL", false),
		SMTPUseTLS:     getBoolEnv("SMTP_USE_TLS", true),
		SMTPSkipVerify: getBoolEnv("SMTP_SKIP_VERIFY", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getIntEnv returns -1 for unparsable values so Validate can reject them
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return -1
		}
		return parsed
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return -1
		}
		return parsed
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return -1
		}
		return parsed
	}
	return defaultValue
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return errors.ConfigError("PORT must be a valid port number between 1 and 65535")
	}
	if c.CIConfigPath == "" {
		return errors.ConfigError("CI_CONFIG_PATH is required")
	}

	positive := map[string]int{
		"REPLICATION_WORKERS": c.ReplicationWorkers,
		"ENUMERATION_WORKERS": c.EnumerationWorkers,
		"DISPATCH_WORKERS":    c.DispatchWorkers,
		"DISPATCH_QUEUE_SIZE": c.DispatchQueueSize,
		"ABORT_MAX_BUILDS":    c.AbortMaxBuilds,
	}
	for name, value := range positive {
		if value < 1 {
			return errors.ConfigError(fmt.Sprintf("%s must be a positive number", name))
		}
	}

	if c.PRReconcileRetries < 0 || c.ResourceCheckRetries < 0 {
		return errors.ConfigError("retry counts must not be negative")
	}
	if c.BackendRequestsPerSecond <= 0 || c.SCMRequestsPerSecond <= 0 {
		return errors.ConfigError("request rates must be positive")
	}
	if c.PRReconcileBackoff < 1 {
		return errors.ConfigError("PR_RECONCILE_BACKOFF must be at least 1")
	}
	if c.PRReconcileInitialDelay < 0 || c.ResourceCheckDelay < 0 {
		return errors.ConfigError("retry delays must be valid non-negative durations")
	}

	if c.WebhookRateLimit < 0 {
		return errors.ConfigError("WEBHOOK_RATE_LIMIT must not be negative")
	}
	if c.WebhookRateLimit > 0 && c.WebhookRateWindow <= 0 {
		return errors.ConfigError("WEBHOOK_RATE_WINDOW must be a positive duration")
	}

	if c.RedisAddress != "" {
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return errors.ConfigError("REDIS_DB must be a number between 0 and 15")
		}
		if c.RedisPoolSize < 1 {
			return errors.ConfigError("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.SMTPEnabled {
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return errors.ConfigError("SMTP_HOST and SMTP_FROM are required when SMTP_ENABLED is set")
		}
		if _, err := strconv.Atoi(c.SMTPPort); err != nil {
			return errors.ConfigError("SMTP_PORT must be a number")
		}
	}

	return nil
}
