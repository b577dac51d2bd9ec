package handlers

import (
	"context"
	stderrors "errors"
	"net/http"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/utils"
	"ci-replicator/internal/dispatch"
	"ci-replicator/internal/signature"
)

// GitHub webhook headers
const (
	HeaderEvent          = "X-GitHub-Event"
	HeaderDelivery       = "X-GitHub-Delivery"
	HeaderEnterpriseHost = "X-GitHub-Enterprise-Host"
)

const deliveryKeyPrefix = "delivery:"

// HandleWebhook verifies and queues one webhook delivery. It answers 202 once the work is
// queued; redelivered ids are accepted and ignored.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := signature.PreserveRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.verifier.Verify(r, body); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get(HeaderEvent)
	if event == "" {
		writeError(w, http.StatusBadRequest, "missing "+HeaderEvent+" header")
		return
	}

	delivery := dispatch.Delivery{
		ID:      r.Header.Get(HeaderDelivery),
		Event:   event,
		Host:    r.Header.Get(HeaderEnterpriseHost),
		Payload: body,
	}
	tracked := delivery.ID != ""
	if !tracked {
		delivery.ID = utils.NewDeliveryID()
	}

	ctx := logging.ContextWithDeliveryID(r.Context(), delivery.ID)
	logger := h.logger.WithFields(
		logging.String("delivery_id", delivery.ID),
		logging.String("event", event),
	)

	if tracked && !h.markDelivery(ctx, delivery.ID, event, logger) {
		logger.Info("Ignoring duplicate delivery")
		writeJSON(w, http.StatusAccepted, response{Status: "duplicate", DeliveryID: delivery.ID})
		return
	}

	if err := h.dispatcher.Dispatch(ctx, delivery); err != nil {
		switch {
		case errors.IsType(err, errors.ErrTypeValidation):
			logger.Warn("Rejected webhook payload", logging.Err(err))
			writeError(w, http.StatusBadRequest, errors.Message(err))
		case stderrors.Is(err, dispatch.ErrQueueFull), stderrors.Is(err, dispatch.ErrPoolClosed):
			h.forgetDelivery(ctx, delivery.ID, tracked)
			logger.Warn("Dropped webhook delivery", logging.Err(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.forgetDelivery(ctx, delivery.ID, tracked)
			logger.Error("Failed to dispatch webhook delivery", err)
			writeError(w, http.StatusInternalServerError, "failed to dispatch delivery")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, response{Status: "accepted", DeliveryID: delivery.ID})
}

// markDelivery records id and reports whether it was seen for the first time. Cache
// failures let the delivery through.
func (h *Handlers) markDelivery(ctx context.Context, id, event string, logger logging.Logger) bool {
	if h.deliveries == nil {
		return true
	}
	fresh, err := h.deliveries.SetNX(ctx, deliveryKeyPrefix+id, event, h.deliveryTTL)
	if err != nil {
		logger.Warn("Delivery de-duplication unavailable", logging.Err(err))
		return true
	}
	return fresh
}

// forgetDelivery lets a redelivery of a delivery that was not queued through
func (h *Handlers) forgetDelivery(ctx context.Context, id string, tracked bool) {
	if h.deliveries == nil || !tracked {
		return
	}
	if err := h.deliveries.Delete(ctx, deliveryKeyPrefix+id); err != nil {
		h.logger.Warn("Failed to forget delivery", logging.String("delivery_id", id), logging.Err(err))
	}
}
