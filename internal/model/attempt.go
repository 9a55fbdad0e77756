package model

import "time"

// AttemptStatus represents the outcome of a single outbound webhook call
type AttemptStatus string

const (
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
	AttemptStatusTimeout AttemptStatus = "timeout"
)

// Valid reports whether s is a known attempt status
func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptStatusSuccess, AttemptStatusFailed, AttemptStatusTimeout:
		return true
	}
	return false
}

// IsFailure reports whether the status counts against the failure rate
func (s AttemptStatus) IsFailure() bool {
	return s == AttemptStatusFailed || s == AttemptStatusTimeout
}

// WebhookAttempt is one append-only activity log record of an outbound call
type WebhookAttempt struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	WebhookName string        `json:"webhook_name"`
	URL         string        `json:"url"`
	Status      AttemptStatus `json:"status"`
	// DurationMS is nil when the call never returned (timeouts).
	DurationMS  *int64    `json:"duration_ms,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}
