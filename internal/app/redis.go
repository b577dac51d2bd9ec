package app

import (
	"context"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/redis"
)

func (app *App) initializeRedis(ctx context.Context) error {
	if app.Config.RedisAddress == "" {
		app.Logger.Info("Redis: Not configured (delivery de-duplication and run locks are per process)")
		return nil
	}

	redisClient, err := redis.NewClient(ctx, &redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDB,
		PoolSize: app.Config.RedisPoolSize,
	})
	if err != nil {
		return err
	}

	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected", logging.Field{Key: "address", Value: app.Config.RedisAddress})
	return nil
}
