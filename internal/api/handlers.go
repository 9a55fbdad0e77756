package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
	clock  func() time.Time
}

func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "hookwatch",
	})
}

// RunHealthCheck runs one pass, optionally limited to ?config_id=
func (h *handlers) RunHealthCheck(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("config_id")

	summary, err := h.deps.Monitor.RunOnce(r.Context(), h.clock(), configID)
	if err != nil {
		h.logger.Error("Health check pass failed", zap.String("config_id", configID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "health check pass failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) RunRetries(w http.ResponseWriter, r *http.Request) {
	if h.deps.Retries == nil {
		writeError(w, http.StatusNotImplemented, "retry executor not configured")
		return
	}

	summary, err := h.deps.Retries.ProcessDue(r.Context(), h.clock())
	if err != nil {
		h.logger.Error("Retry pass failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "retry pass failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "alert history not configured")
		return
	}

	events, err := h.deps.Events.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("Failed to list alert events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alert events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
