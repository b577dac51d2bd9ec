// Package handlers serves the replicator's HTTP surface: the source-control webhook
// endpoint, health, metrics and manual replication triggers.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ci-replicator/internal/common/cache"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/dispatch"
	"ci-replicator/internal/signature"
)

// DefaultDeliveryTTL is how long a delivery id is remembered for de-duplication
const DefaultDeliveryTTL = 24 * time.Hour

// Dispatcher queues decoded webhook work
type Dispatcher interface {
	Dispatch(ctx context.Context, d dispatch.Delivery) error
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Options configure Handlers
type Options struct {
	Dispatcher Dispatcher
	Verifier   *signature.Verifier
	// Deliveries remembers processed delivery ids; nil disables de-duplication
	Deliveries  cache.Cache
	DeliveryTTL time.Duration
	// Replicate queues a full replication run and returns its task id
	Replicate func() (string, error)
	Checks    map[string]HealthCheck
	// OpenBreakers lists circuit breakers currently rejecting calls; reported, never fatal
	OpenBreakers func() []string
	Logger       logging.Logger
}

type Handlers struct {
	dispatcher  Dispatcher
	verifier    *signature.Verifier
	deliveries  cache.Cache
	deliveryTTL time.Duration
	replicate   func() (string, error)
	checks      map[string]HealthCheck
	breakers    func() []string
	logger      logging.Logger
	started     time.Time
}

func New(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = signature.NewVerifier("", logger)
	}
	ttl := opts.DeliveryTTL
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	return &Handlers{
		dispatcher:  opts.Dispatcher,
		verifier:    verifier,
		deliveries:  opts.Deliveries,
		deliveryTTL: ttl,
		replicate:   opts.Replicate,
		checks:      opts.Checks,
		breakers:    opts.OpenBreakers,
		logger:      logger.WithFields(logging.String("component", "http")),
		started:     time.Now(),
	}
}

// response is the body of every JSON answer
type response struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Status: "error", Error: msg})
}
