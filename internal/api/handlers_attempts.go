package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/retry"
)

type recordAttemptRequest struct {
	TenantID    string              `json:"tenant_id"`
	WebhookName string              `json:"webhook_name"`
	URL         string              `json:"url"`
	Status      model.AttemptStatus `json:"status"`
	DurationMS  *int64              `json:"duration_ms"`
	TriggeredAt *time.Time          `json:"triggered_at"`
}

// RecordAttempt appends one outbound webhook call to the activity log.
// triggered_at defaults to the time of the request.
func (h *handlers) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	if h.deps.Attempts == nil {
		writeError(w, http.StatusNotImplemented, "activity log not configured")
		return
	}

	var req recordAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.WebhookName == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and webhook_name are required")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be success, failed or timeout")
		return
	}
	if req.DurationMS != nil && *req.DurationMS < 0 {
		writeError(w, http.StatusBadRequest, "duration_ms must not be negative")
		return
	}

	attempt := &model.WebhookAttempt{
		TenantID:    req.TenantID,
		WebhookName: req.WebhookName,
		URL:         req.URL,
		Status:      req.Status,
		DurationMS:  req.DurationMS,
		TriggeredAt: h.clock().UTC(),
	}
	if req.TriggeredAt != nil {
		attempt.TriggeredAt = req.TriggeredAt.UTC()
	}

	if err := h.deps.Attempts.Record(r.Context(), attempt); err != nil {
		h.logger.Error("Failed to record attempt",
			zap.String("tenant_id", attempt.TenantID),
			zap.String("webhook_name", attempt.WebhookName),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record attempt")
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

type enqueueRetryRequest struct {
	TenantID    string          `json:"tenant_id"`
	WebhookName string          `json:"webhook_name"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	MaxRetries  *int            `json:"max_retries"`
}

// EnqueueRetry queues a failed delivery for redelivery by the retry executor
func (h *handlers) EnqueueRetry(w http.ResponseWriter, r *http.Request) {
	if h.deps.Enqueuer == nil {
		writeError(w, http.StatusNotImplemented, "retry queue not configured")
		return
	}

	var req enqueueRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.WebhookName == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and webhook_name are required")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be a valid HTTP or HTTPS URL")
		return
	}

	maxRetries := h.deps.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	entry, err := h.deps.Enqueuer.Enqueue(r.Context(), req.TenantID, req.WebhookName, req.URL, req.Payload, maxRetries, h.clock())
	if errors.Is(err, retry.ErrInvalidMaxRetries) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to enqueue retry",
			zap.String("tenant_id", req.TenantID),
			zap.String("webhook_name", req.WebhookName),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue retry")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
