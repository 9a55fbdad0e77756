package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/storage"
)

// PutConfig creates or replaces the alert config named in the path. The
// cooldown marker and creation time are owned by hookwatch and survive
// replacement.
func (h *handlers) PutConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Configs == nil {
		writeError(w, http.StatusNotImplemented, "alert configs not configured")
		return
	}

	var cfg model.AlertConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.ID = chi.URLParam(r, "id")
	cfg.LastAlertSentAt = nil

	status := http.StatusCreated
	existing, err := h.deps.Configs.GetConfig(r.Context(), cfg.ID)
	switch {
	case err == nil:
		status = http.StatusOK
		cfg.CreatedAt = existing.CreatedAt
		cfg.LastAlertSentAt = existing.LastAlertSentAt
	case errors.Is(err, storage.ErrNotFound):
		cfg.CreatedAt = h.clock().UTC()
	default:
		h.logger.Error("Failed to load alert config", zap.String("config_id", cfg.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load alert config")
		return
	}

	if err := h.deps.Configs.SaveConfig(r.Context(), &cfg); err != nil {
		if errors.Is(err, model.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to save alert config", zap.String("config_id", cfg.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save alert config")
		return
	}
	writeJSON(w, status, cfg)
}

func (h *handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Configs == nil {
		writeError(w, http.StatusNotImplemented, "alert configs not configured")
		return
	}

	cfg, err := h.deps.Configs.GetConfig(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert config not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load alert config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load alert config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
