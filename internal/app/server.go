package app

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/handlers"
	"ci-replicator/internal/server"
	"ci-replicator/internal/signature"
)

// RunServer builds the HTTP server with all handlers configured
func (app *App) RunServer() (*server.Server, http.Handler) {
	logger := logging.GetGlobalLogger()

	h := handlers.New(handlers.Options{
		Dispatcher:   app.Dispatcher,
		Verifier:     signature.NewVerifier(app.Config.WebhookSecret, logger),
		Deliveries:   app.Deliveries,
		Replicate:    app.QueueReplication,
		Checks:       app.healthChecks(),
		OpenBreakers: app.Breakers.Open,
		Logger:       logger,
	})
	if app.Config.WebhookSecret == "" {
		app.Logger.Warn("WEBHOOK_SECRET is not set, webhook signatures are not verified")
	}

	router := mux.NewRouter()
	SetupRoutes(router, h, app.MetricsHandler, app.WebhookLimiter, logger, app.Metrics)

	return server.New(router, app.Config.Port, "", ""), router
}

func (app *App) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"ci_config": func(context.Context) error {
			if app.Store.Current() == nil {
				return errors.ConfigError("CI config not loaded")
			}
			return nil
		},
		"dispatch_queue": func(context.Context) error {
			stats := app.Pool.Stats()
			if stats.Depth >= app.Config.DispatchQueueSize {
				return errors.InternalError("dispatch queue is full", nil)
			}
			return nil
		},
	}
	if app.RedisClient != nil {
		checks["redis"] = app.RedisClient.Health
	}
	return checks
}

// Shutdown drains queued webhook work
func (app *App) Shutdown(ctx context.Context) error {
	if app.Pool == nil {
		return nil
	}
	if err := app.Pool.Close(ctx); err != nil {
		app.Logger.Warn("Dispatch pool did not drain", logging.Field{Key: "error", Value: err})
		return err
	}
	app.Logger.Info("Dispatch pool drained", logging.Field{Key: "completed", Value: app.Pool.Stats().Completed})
	return nil
}
