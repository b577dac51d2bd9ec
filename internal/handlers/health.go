package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/signature"
)

const healthTimeout = 5 * time.Second

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
	// OpenBreakers degrade the service without making it unhealthy
	OpenBreakers []string `json:"open_breakers,omitempty"`
}

// HealthCheck runs every registered dependency check
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	health := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	status := http.StatusOK
	for _, name := range names {
		if health.Checks == nil {
			health.Checks = make(map[string]string, len(names))
		}
		if err := h.checks[name](ctx); err != nil {
			health.Checks[name] = err.Error()
			health.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		health.Checks[name] = "ok"
	}
	if h.breakers != nil {
		health.OpenBreakers = h.breakers()
	}

	writeJSON(w, status, health)
}

// TriggerReplication queues a full replication run. With a webhook secret configured the
// request body must be signed like a webhook delivery.
func (h *Handlers) TriggerReplication(w http.ResponseWriter, r *http.Request) {
	if h.replicate == nil {
		writeError(w, http.StatusNotImplemented, "replication trigger not configured")
		return
	}
	body, err := signature.PreserveRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.verifier.Verify(r, body); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	id, err := h.replicate()
	if err != nil {
		h.logger.Warn("Could not queue replication run", logging.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.logger.Info("Queued replication run", logging.String("task_id", id))
	writeJSON(w, http.StatusAccepted, response{Status: "accepted", TaskID: id})
}
