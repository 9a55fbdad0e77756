package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/metrics"
	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/notify"
	"github.com/t77yq/hookwatch/internal/ratelimit"
)

// ErrSendFailed wraps channel errors, including send timeouts
var ErrSendFailed = errors.New("alert send failed")

// ChannelResolver returns the channel for a service type
type ChannelResolver interface {
	Channel(service model.ServiceType) (notify.Channel, error)
}

// EventStore persists the alert audit trail
type EventStore interface {
	InsertEvent(ctx context.Context, ev *model.AlertEvent) error
}

// CooldownStore advances a config's cooldown marker
type CooldownStore interface {
	UpdateLastAlertSentAt(ctx context.Context, id string, ts time.Time) error
}

// EventPublisher fans recorded alert events out to other systems
type EventPublisher interface {
	PublishAlertEvent(ctx context.Context, ev *model.AlertEvent) error
}

// DispatchOutcome describes what happened to a batch
type DispatchOutcome string

const (
	DispatchSent     DispatchOutcome = "sent"
	DispatchDeferred DispatchOutcome = "deferred"
)

// DispatchResult is returned for a batch that was sent or deferred
type DispatchResult struct {
	Outcome     DispatchOutcome
	Recorded    int
	ProviderRef string
}

// DispatcherOptions configures the dispatcher
type DispatcherOptions struct {
	SendTimeout  time.Duration
	QueryTimeout time.Duration
}

// Dispatcher sends one consolidated message per batch of alerts and records
// the audit trail
type Dispatcher struct {
	logger       *zap.Logger
	channels     ChannelResolver
	limiter      *ratelimit.Limiter
	events       EventStore
	cooldowns    CooldownStore
	publisher    EventPublisher
	renderer     *Renderer
	metrics      *metrics.Metrics
	sendTimeout  time.Duration
	queryTimeout time.Duration
}

// NewDispatcher creates a dispatcher. publisher and m may be nil.
func NewDispatcher(
	channels ChannelResolver,
	limiter *ratelimit.Limiter,
	events EventStore,
	cooldowns CooldownStore,
	publisher EventPublisher,
	renderer *Renderer,
	m *metrics.Metrics,
	opts DispatcherOptions,
	logger *zap.Logger,
) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	return &Dispatcher{
		logger:       logger.Named("alert-dispatcher"),
		channels:     channels,
		limiter:      limiter,
		events:       events,
		cooldowns:    cooldowns,
		publisher:    publisher,
		renderer:     renderer,
		metrics:      m,
		sendTimeout:  opts.SendTimeout,
		queryTimeout: opts.QueryTimeout,
	}
}

// Dispatch renders alerts into one message and sends it to the config's
// recipients. A batch denied by the rate limiter is deferred whole. After a
// successful send one AlertEvent is recorded per alert and the cooldown
// marker is set to now. Send errors leave no trace in the stores.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg *model.AlertConfig, alerts []model.Alert, now time.Time) (DispatchResult, error) {
	if len(alerts) == 0 {
		return DispatchResult{}, errors.New("no alerts to dispatch")
	}
	if len(cfg.AlertRecipients) == 0 {
		return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageRender, Err: errors.New("config has no recipients")}
	}

	service := cfg.Channel()
	channel, err := d.channels.Channel(service)
	if err != nil {
		return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageSend, Err: err}
	}

	msg, err := d.renderer.Render(NewMessageContext(cfg, alerts, now))
	if err != nil {
		return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageRender, Err: err}
	}

	limitCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	reservation, decision, err := d.limiter.Acquire(limitCtx, service, cfg.TenantID, now)
	cancel()
	if err != nil {
		return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageRateLimit, Err: err}
	}
	if !decision.Allowed {
		d.metrics.DispatchFailed("rate_limited")
		d.logger.Info("Alert batch deferred by rate limit",
			zap.String("config_id", cfg.ID),
			zap.String("tenant_id", cfg.TenantID),
			zap.String("service_type", string(service)),
			zap.Int("alerts", len(alerts)),
			zap.Error(decision.Err()))
		return DispatchResult{Outcome: DispatchDeferred}, nil
	}

	// Recipients as of send time go into the audit rows.
	recipients := append([]string(nil), cfg.AlertRecipients...)

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sent, err := channel.Send(sendCtx, recipients, msg.Subject, msg.Body)
	cancel()

	completeCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	reservation.Complete(completeCtx, err == nil)
	cancel()
	if err != nil {
		d.metrics.DispatchFailed("send_error")
		return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageSend, Err: fmt.Errorf("%w: %w", ErrSendFailed, err)}
	}

	recordCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	events := make([]*model.AlertEvent, 0, len(alerts))
	for _, a := range alerts {
		ev := &model.AlertEvent{
			ID:          uuid.New().String(),
			ConfigID:    cfg.ID,
			TenantID:    cfg.TenantID,
			AlertType:   a.Type(),
			Details:     a.Details,
			SentTo:      recipients,
			TriggeredAt: now.UTC(),
		}
		if a.WebhookName != "" {
			name := a.WebhookName
			ev.WebhookName = &name
		}
		if err := d.events.InsertEvent(recordCtx, ev); err != nil {
			return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageRecord, Err: err}
		}
		events = append(events, ev)
	}

	if err := d.cooldowns.UpdateLastAlertSentAt(recordCtx, cfg.ID, now.UTC()); err != nil {
		return DispatchResult{}, &StageError{ConfigID: cfg.ID, Stage: StageRecord, Err: err}
	}

	for _, ev := range events {
		d.metrics.AlertDispatched(string(ev.AlertType))
		if d.publisher == nil {
			continue
		}
		if err := d.publisher.PublishAlertEvent(ctx, ev); err != nil {
			d.logger.Warn("Failed to publish alert event",
				zap.String("config_id", cfg.ID),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}

	d.logger.Info("Alert batch sent",
		zap.String("config_id", cfg.ID),
		zap.String("tenant_id", cfg.TenantID),
		zap.String("service_type", string(service)),
		zap.String("provider_ref", sent.ProviderRef),
		zap.Int("alerts", len(alerts)),
		zap.Int("recipients", len(recipients)))

	return DispatchResult{
		Outcome:     DispatchSent,
		Recorded:    len(events),
		ProviderRef: sent.ProviderRef,
	}, nil
}
