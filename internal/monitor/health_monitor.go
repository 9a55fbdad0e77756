// Package monitor evaluates webhook health per alert configuration and
// dispatches consolidated alert notifications.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/metrics"
	"github.com/t77yq/hookwatch/internal/model"
)

// Stage names the step of a config evaluation that failed
type Stage string

const (
	StageLoadAttempts  Stage = "load_attempts"
	StageLoadAbandoned Stage = "load_abandoned"
	StageRender        Stage = "render"
	StageRateLimit     Stage = "rate_limit"
	StageSend          Stage = "send"
	StageRecord        Stage = "record"
)

// StageError is a failure confined to one config
type StageError struct {
	ConfigID string
	Stage    Stage
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("config %s: %s: %v", e.ConfigID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ActivityLog is the read side of the webhook attempt log
type ActivityLog interface {
	Query(ctx context.Context, tenantID string, since time.Time) ([]model.WebhookAttempt, error)
}

// AbandonedSource lists abandoned retry entries
type AbandonedSource interface {
	ListAbandoned(ctx context.Context, tenantID string, since time.Time) ([]model.RetryQueueEntry, error)
}

// ConfigSource lists the configs to evaluate
type ConfigSource interface {
	ListEnabled(ctx context.Context) ([]model.AlertConfig, error)
}

// Summary reports the result of one pass
type Summary struct {
	ConfigsChecked     int `json:"configs_checked"`
	AlertsSent         int `json:"alerts_sent"`
	ConditionsRecorded int `json:"conditions_recorded"`
	ConfigsSkipped     int `json:"configs_skipped"`
	ConfigsFailed      int `json:"configs_failed"`
	ConfigsDeferred    int `json:"configs_deferred"`
}

// Options configures the health monitor
type Options struct {
	QueryTimeout time.Duration
}

// HealthMonitor runs health-check passes. It keeps no state between passes.
type HealthMonitor struct {
	logger       *zap.Logger
	configs      ConfigSource
	activity     ActivityLog
	retries      AbandonedSource
	dispatcher   *Dispatcher
	metrics      *metrics.Metrics
	queryTimeout time.Duration
}

// NewHealthMonitor creates a health monitor. m may be nil.
func NewHealthMonitor(configs ConfigSource, activity ActivityLog, retries AbandonedSource, dispatcher *Dispatcher, m *metrics.Metrics, opts Options, logger *zap.Logger) *HealthMonitor {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	return &HealthMonitor{
		logger:       logger.Named("health-monitor"),
		configs:      configs,
		activity:     activity,
		retries:      retries,
		dispatcher:   dispatcher,
		metrics:      m,
		queryTimeout: opts.QueryTimeout,
	}
}

type outcome string

const (
	outcomeDisabled outcome = "disabled"
	outcomeCooldown outcome = "cooldown"
	outcomeSamples  outcome = "insufficient_samples"
	outcomeHealthy  outcome = "healthy"
	outcomeSent     outcome = "sent"
	outcomeDeferred outcome = "deferred"
	outcomeFailed   outcome = "failed"
)

// RunOnce evaluates every enabled config, or only configID when it is not
// empty. Failures of a single config are logged and counted; the pass only
// fails when the config list cannot be loaded.
func (h *HealthMonitor) RunOnce(ctx context.Context, now time.Time, configID string) (Summary, error) {
	start := time.Now()
	defer func() { h.metrics.ObservePass(time.Since(start)) }()

	var summary Summary

	listCtx, cancel := context.WithTimeout(ctx, h.queryTimeout)
	configs, err := h.configs.ListEnabled(listCtx)
	cancel()
	if err != nil {
		return summary, fmt.Errorf("failed to list alert configs: %w", err)
	}

	for i := range configs {
		cfg := &configs[i]
		if configID != "" && cfg.ID != configID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.ConfigsChecked++
		out, recorded, err := h.checkConfig(ctx, cfg, now)
		h.metrics.ConfigOutcome(string(out))

		switch out {
		case outcomeDisabled, outcomeCooldown, outcomeSamples:
			summary.ConfigsSkipped++
		case outcomeSent:
			summary.AlertsSent++
			summary.ConditionsRecorded += recorded
		case outcomeDeferred:
			summary.ConfigsDeferred++
		case outcomeFailed:
			summary.ConfigsFailed++
			fields := []zap.Field{
				zap.String("config_id", cfg.ID),
				zap.String("tenant_id", cfg.TenantID),
				zap.Error(err),
			}
			var stageErr *StageError
			if errors.As(err, &stageErr) {
				fields = append(fields, zap.String("stage", string(stageErr.Stage)))
			}
			h.logger.Error("Config evaluation failed", fields...)
		}
	}

	if configID != "" && summary.ConfigsChecked == 0 {
		h.logger.Warn("No enabled config matched", zap.String("config_id", configID))
	}

	h.logger.Info("Health check pass completed",
		zap.Int("configs_checked", summary.ConfigsChecked),
		zap.Int("alerts_sent", summary.AlertsSent),
		zap.Int("conditions_recorded", summary.ConditionsRecorded),
		zap.Int("configs_skipped", summary.ConfigsSkipped),
		zap.Int("configs_deferred", summary.ConfigsDeferred),
		zap.Int("configs_failed", summary.ConfigsFailed))
	return summary, nil
}

// checkConfig evaluates one config and dispatches its alerts
func (h *HealthMonitor) checkConfig(ctx context.Context, cfg *model.AlertConfig, now time.Time) (outcome, int, error) {
	logger := h.logger.With(zap.String("config_id", cfg.ID), zap.String("tenant_id", cfg.TenantID))

	if !cfg.Enabled {
		return outcomeDisabled, 0, nil
	}
	// Checked before any query is issued.
	if cfg.InCooldown(now) {
		logger.Debug("Skipping config in cooldown", zap.Timep("last_alert_sent_at", cfg.LastAlertSentAt))
		return outcomeCooldown, 0, nil
	}

	windowStart := now.Add(-time.Duration(cfg.CheckWindowHours) * time.Hour)

	queryCtx, cancel := context.WithTimeout(ctx, h.queryTimeout)
	attempts, err := h.activity.Query(queryCtx, cfg.TenantID, windowStart)
	cancel()
	if err != nil {
		return outcomeFailed, 0, &StageError{ConfigID: cfg.ID, Stage: StageLoadAttempts, Err: err}
	}

	if len(attempts) < cfg.MinCallsRequired {
		logger.Debug("Skipping config with insufficient samples",
			zap.Int("attempts", len(attempts)),
			zap.Int("min_calls_required", cfg.MinCallsRequired))
		return outcomeSamples, 0, nil
	}

	queryCtx, cancel = context.WithTimeout(ctx, h.queryTimeout)
	abandoned, err := h.retries.ListAbandoned(queryCtx, cfg.TenantID, windowStart)
	cancel()
	if err != nil {
		return outcomeFailed, 0, &StageError{ConfigID: cfg.ID, Stage: StageLoadAbandoned, Err: err}
	}

	alerts := append(abandonedAlerts(abandoned), evaluateAttempts(cfg, attempts)...)
	if len(alerts) == 0 {
		return outcomeHealthy, 0, nil
	}

	res, err := h.dispatcher.Dispatch(ctx, cfg, alerts, now)
	if err != nil {
		return outcomeFailed, 0, err
	}
	if res.Outcome == DispatchDeferred {
		return outcomeDeferred, 0, nil
	}
	return outcomeSent, res.Recorded, nil
}
