package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/handlers"
	"ci-replicator/internal/middleware"
	"ci-replicator/internal/observability"
	"ci-replicator/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, metricsHandler http.Handler, limiter *ratelimit.Limiter,
	logger logging.Logger, metrics *observability.Metrics) {
	router.Use(middleware.Logging(logger, metrics))

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	webhook := http.Handler(http.HandlerFunc(h.HandleWebhook))
	if limiter != nil {
		webhook = limiter.HTTPMiddleware(ratelimit.HostBasedKey)(webhook)
	}
	router.Handle("/webhook", webhook).Methods(http.MethodPost)

	router.HandleFunc("/replicate", h.TriggerReplication).Methods(http.MethodPost)
}
