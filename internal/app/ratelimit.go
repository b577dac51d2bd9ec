package app

import (
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/ratelimit"

	goredis "github.com/go-redis/redis/v8"
)

// initializeRateLimiter limits webhook requests per sending host; counts are shared through
// Redis when it is available
func (app *App) initializeRateLimiter() (*ratelimit.Limiter, error) {
	cfg := ratelimit.Config{
		Limit:   app.Config.WebhookRateLimit,
		Window:  app.Config.WebhookRateWindow,
		Enabled: app.Config.WebhookRateLimit > 0,
	}

	var client *goredis.Client
	if app.RedisClient != nil {
		client = app.RedisClient.GoRedis()
	}

	limiter, err := ratelimit.NewLimiter(client, cfg, app.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled {
		app.Logger.Info("Rate Limiting: Enabled",
			logging.Field{Key: "limit", Value: cfg.Limit},
			logging.Field{Key: "window", Value: cfg.Window.String()},
			logging.Field{Key: "distributed", Value: client != nil},
		)
	}
	return limiter, nil
}
