package model

import "time"

// ServiceType identifies an outbound notification channel subject to rate limiting
type ServiceType string

const (
	ServiceEmail   ServiceType = "email"
	ServiceSMS     ServiceType = "sms"
	ServiceWebhook ServiceType = "webhook"
)

// RateLimitCounter is the usage counter of one tenant and service for one window
type RateLimitCounter struct {
	ServiceType ServiceType `json:"service_type"`
	TenantID    string      `json:"tenant_id"`
	WindowStart time.Time   `json:"window_start"`
	Count       int         `json:"count"`
	MaxAllowed  int         `json:"max_allowed"`
}

// UsageEvent is an audit record of one rate limiter decision
type UsageEvent struct {
	ServiceType ServiceType `json:"service_type"`
	TenantID    string      `json:"tenant_id"`
	Success     bool        `json:"success"`
	RateLimited bool        `json:"rate_limited"`
	RecordedAt  time.Time   `json:"recorded_at"`
}
