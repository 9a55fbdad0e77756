// Package events publishes alert and abandonment notifications to NATS JetStream
// so other systems can react to them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/model"
)

const (
	// AlertStream holds alert.<alert_type> messages
	AlertStream = "HOOKWATCH_ALERTS"
	// WebhookStream holds webhook lifecycle messages
	WebhookStream = "HOOKWATCH_WEBHOOKS"

	SubjectAbandoned = "webhook.abandoned"
)

// AlertSubject returns the subject an alert event of the given type is published on
func AlertSubject(t model.AlertType) string {
	return "alert." + string(t)
}

// AbandonedMessage is the payload of webhook.abandoned
type AbandonedMessage struct {
	EntryID     string    `json:"entry_id"`
	TenantID    string    `json:"tenant_id"`
	WebhookName string    `json:"webhook_name"`
	URL         string    `json:"url"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	LastError   string    `json:"last_error,omitempty"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

// Publisher writes events to JetStream
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher over js
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger.Named("events"),
		js:     js,
	}
}

// EnsureStreams creates the streams if they do not exist yet
func (p *Publisher) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{Name: AlertStream, Subjects: []string{"alert.*"}, Storage: nats.FileStorage, MaxAge: 7 * 24 * time.Hour},
		{Name: WebhookStream, Subjects: []string{"webhook.*"}, Storage: nats.FileStorage, MaxAge: 7 * 24 * time.Hour},
	}
	for i := range streams {
		cfg := streams[i]
		_, err := p.js.StreamInfo(cfg.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := p.js.AddStream(&cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		p.logger.Info("Stream created", zap.String("stream", cfg.Name))
	}
	return nil
}

// PublishAlertEvent publishes an audit record on alert.<alert_type>
func (p *Publisher) PublishAlertEvent(ctx context.Context, ev *model.AlertEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	if _, err := p.js.Publish(AlertSubject(ev.AlertType), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}

	p.logger.Debug("Alert event published",
		zap.String("id", ev.ID),
		zap.String("config_id", ev.ConfigID),
		zap.String("type", string(ev.AlertType)))
	return nil
}

// PublishAbandoned announces that a retry entry reached the abandoned state
func (p *Publisher) PublishAbandoned(ctx context.Context, e *model.RetryQueueEntry) error {
	msg := AbandonedMessage{
		EntryID:     e.ID,
		TenantID:    e.TenantID,
		WebhookName: e.WebhookName,
		URL:         e.URL,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		AbandonedAt: e.UpdatedAt,
	}
	if e.LastError != nil {
		msg.LastError = *e.LastError
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal abandoned message: %w", err)
	}
	if _, err := p.js.Publish(SubjectAbandoned, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish abandoned message: %w", err)
	}

	p.logger.Info("Webhook abandonment published",
		zap.String("entry_id", e.ID),
		zap.String("tenant_id", e.TenantID),
		zap.String("webhook_name", e.WebhookName))
	return nil
}
