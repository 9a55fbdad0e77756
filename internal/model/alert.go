package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every AlertConfig validation failure
var ErrInvalidConfig = errors.New("invalid alert config")

// AlertType represents the kind of condition an alert reports
type AlertType string

const (
	AlertTypeAbandonedWebhook AlertType = "abandoned_webhook"
	AlertTypeHighFailureRate  AlertType = "high_failure_rate"
	AlertTypeSlowResponseTime AlertType = "slow_response_time"
)

// AlertTypes lists alert types in the order they are rendered
var AlertTypes = []AlertType{
	AlertTypeAbandonedWebhook,
	AlertTypeHighFailureRate,
	AlertTypeSlowResponseTime,
}

// AlertConfig governs webhook health monitoring for one tenant
type AlertConfig struct {
	ID                    string      `json:"id"`
	TenantID              string      `json:"tenant_id"`
	Enabled               bool        `json:"enabled"`
	NotificationChannel   ServiceType `json:"notification_channel"`
	AlertRecipients       []string    `json:"alert_recipients"`
	FailureRateThreshold  float64     `json:"failure_rate_threshold"`
	ResponseTimeThreshold float64     `json:"response_time_threshold"`
	CheckWindowHours      int         `json:"check_window_hours"`
	MinCallsRequired      int         `json:"min_calls_required"`
	CooldownHours         int         `json:"cooldown_hours"`
	LastAlertSentAt       *time.Time  `json:"last_alert_sent_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// Validate checks the invariants of the config
func (c *AlertConfig) Validate() error {
	invalid := func(msg string) error {
		return fmt.Errorf("%w %s: %s", ErrInvalidConfig, c.ID, msg)
	}
	if c.TenantID == "" {
		return invalid("tenant_id is required")
	}
	if c.MinCallsRequired < 1 {
		return invalid("min_calls_required must be at least 1")
	}
	if c.CooldownHours < 0 {
		return invalid("cooldown_hours must not be negative")
	}
	if c.CheckWindowHours < 1 {
		return invalid("check_window_hours must be at least 1")
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 100 {
		return invalid("failure_rate_threshold must be within 0-100")
	}
	switch c.Channel() {
	case ServiceEmail, ServiceSMS:
	default:
		return invalid(fmt.Sprintf("notification_channel %q is not supported", c.NotificationChannel))
	}
	return nil
}

// Channel returns the configured notification channel, defaulting to email
func (c *AlertConfig) Channel() ServiceType {
	if c.NotificationChannel == "" {
		return ServiceEmail
	}
	return c.NotificationChannel
}

// InCooldown reports whether an alert was sent less than cooldown_hours before now
func (c *AlertConfig) InCooldown(now time.Time) bool {
	if c.LastAlertSentAt == nil {
		return false
	}
	return now.Before(c.LastAlertSentAt.Add(time.Duration(c.CooldownHours) * time.Hour))
}

// AlertDetails is the type-specific payload carried by an Alert
type AlertDetails interface {
	AlertType() AlertType
}

// AbandonedWebhookDetails describes a retry entry that exhausted its retry budget
type AbandonedWebhookDetails struct {
	WebhookURL  string    `json:"webhook_url"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

func (AbandonedWebhookDetails) AlertType() AlertType { return AlertTypeAbandonedWebhook }

// HighFailureRateDetails describes a webhook whose failure rate crossed the threshold
type HighFailureRateDetails struct {
	FailureRate float64 `json:"failure_rate"`
	TotalCalls  int     `json:"total_calls"`
	FailedCalls int     `json:"failed_calls"`
	Threshold   float64 `json:"threshold"`
	WindowHours int     `json:"window_hours"`
}

func (HighFailureRateDetails) AlertType() AlertType { return AlertTypeHighFailureRate }

// SlowResponseTimeDetails describes a webhook whose mean latency crossed the threshold
type SlowResponseTimeDetails struct {
	AvgResponseTime int64   `json:"avg_response_time"`
	Threshold       float64 `json:"threshold"`
	CallsAnalyzed   int     `json:"calls_analyzed"`
	WindowHours     int     `json:"window_hours"`
}

func (SlowResponseTimeDetails) AlertType() AlertType { return AlertTypeSlowResponseTime }

// Alert is one triggered condition produced by a health check
type Alert struct {
	WebhookName string       `json:"webhook_name,omitempty"`
	Details     AlertDetails `json:"alert_details"`
}

// Type returns the alert type derived from its details
func (a Alert) Type() AlertType {
	if a.Details == nil {
		return ""
	}
	return a.Details.AlertType()
}

// AlertEvent is the audit record of one alert condition that was dispatched
type AlertEvent struct {
	ID          string       `json:"id"`
	ConfigID    string       `json:"config_id"`
	TenantID    string       `json:"tenant_id"`
	AlertType   AlertType    `json:"alert_type"`
	WebhookName *string      `json:"webhook_name,omitempty"`
	Details     AlertDetails `json:"alert_details"`
	SentTo      []string     `json:"alert_sent_to"`
	TriggeredAt time.Time    `json:"triggered_at"`
}

// DecodeDetails parses a stored details payload into the typed variant for alertType
func DecodeDetails(alertType AlertType, raw []byte) (AlertDetails, error) {
	var (
		details AlertDetails
		err     error
	)
	switch alertType {
	case AlertTypeAbandonedWebhook:
		var d AbandonedWebhookDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case AlertTypeHighFailureRate:
		var d HighFailureRateDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case AlertTypeSlowResponseTime:
		var d SlowResponseTimeDetails
		err = json.Unmarshal(raw, &d)
		details = d
	default:
		return nil, fmt.Errorf("unknown alert type: %s", alertType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s details: %w", alertType, err)
	}
	return details, nil
}
