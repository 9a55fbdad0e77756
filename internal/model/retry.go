package model

import (
	"encoding/json"
	"time"
)

// RetryStatus represents the lifecycle state of a retry queue entry
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusRetrying  RetryStatus = "retrying"
	RetryStatusSucceeded RetryStatus = "succeeded"
	RetryStatusAbandoned RetryStatus = "abandoned"
)

// IsTerminal reports whether no further retries may happen from this status
func (s RetryStatus) IsTerminal() bool {
	return s == RetryStatusSucceeded || s == RetryStatusAbandoned
}

// RetryQueueEntry is a failed webhook delivery awaiting re-attempt
type RetryQueueEntry struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	WebhookName string          `json:"webhook_name"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Status      RetryStatus     `json:"status"`
	LastError   *string         `json:"last_error,omitempty"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
