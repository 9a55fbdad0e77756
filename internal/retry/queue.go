// Package retry owns the lifecycle of failed webhook deliveries: enqueueing,
// leasing due entries to a single executor, and recording attempt outcomes
// until the entry succeeds or is abandoned.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/metrics"
	"github.com/t77yq/hookwatch/internal/model"
)

var (
	// ErrTerminalEntry is returned when recording a result for a succeeded or abandoned entry
	ErrTerminalEntry = errors.New("retry entry is terminal")
	// ErrInvalidMaxRetries is returned by Enqueue for a negative retry budget
	ErrInvalidMaxRetries = errors.New("max_retries must be >= 0")
	// ErrLeaseLost is returned when the caller's lease expired or was taken over
	// before the result was recorded
	ErrLeaseLost = errors.New("retry entry lease lost")
	// ErrEntryLeased is returned when another worker holds a live lease on the entry
	ErrEntryLeased = errors.New("retry entry is leased by another worker")
)

// Store is the persistence used by the Manager
type Store interface {
	InsertEntry(ctx context.Context, e *model.RetryQueueEntry) error
	GetEntry(ctx context.Context, id string) (*model.RetryQueueEntry, error)
	ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.RetryQueueEntry, error)
	UpdateEntryResult(ctx context.Context, e *model.RetryQueueEntry, owner string, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id, owner string) error
}

// AbandonmentPublisher is notified when an entry is abandoned
type AbandonmentPublisher interface {
	PublishAbandoned(ctx context.Context, e *model.RetryQueueEntry) error
}

// ManagerConfig configures leasing
type ManagerConfig struct {
	// Owner identifies this process in claims. A random id is used when empty.
	Owner     string
	Lease     time.Duration
	BatchSize int
}

// Manager manages retry queue entries
type Manager struct {
	logger    *zap.Logger
	store     Store
	strategy  Strategy
	publisher AbandonmentPublisher
	metrics   *metrics.Metrics
	owner     string
	lease     time.Duration
	batchSize int
}

// NewManager creates a new retry manager. publisher and m may be nil.
func NewManager(store Store, strategy Strategy, publisher AbandonmentPublisher, m *metrics.Metrics, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.Owner == "" {
		cfg.Owner = uuid.New().String()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Manager{
		logger:    logger.Named("retry-manager"),
		store:     store,
		strategy:  strategy,
		publisher: publisher,
		metrics:   m,
		owner:     cfg.Owner,
		lease:     cfg.Lease,
		batchSize: cfg.BatchSize,
	}
}

// Enqueue creates a pending entry for a delivery that failed at now
func (m *Manager) Enqueue(ctx context.Context, tenantID, webhookName, url string, payload []byte, maxRetries int, now time.Time) (*model.RetryQueueEntry, error) {
	if maxRetries < 0 {
		return nil, ErrInvalidMaxRetries
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}

	now = now.UTC()
	e := &model.RetryQueueEntry{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WebhookName: webhookName,
		URL:         url,
		Payload:     payload,
		MaxRetries:  maxRetries,
		Status:      model.RetryStatusPending,
		NextRetryAt: now.Add(m.strategy.NextRetry(0)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.InsertEntry(ctx, e); err != nil {
		return nil, err
	}

	m.metrics.RetryTransition(string(e.Status))
	m.logger.Info("Webhook delivery queued for retry",
		zap.String("entry_id", e.ID),
		zap.String("tenant_id", tenantID),
		zap.String("webhook_name", webhookName),
		zap.Int("max_retries", maxRetries))
	return e, nil
}

// DequeueDue leases the entries due at now to this manager. An entry is not
// returned to any other caller until the lease expires or a result is recorded.
func (m *Manager) DequeueDue(ctx context.Context, now time.Time) ([]model.RetryQueueEntry, error) {
	entries, err := m.store.ClaimDue(ctx, m.owner, now.UTC(), m.lease, m.batchSize)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		m.logger.Debug("Claimed due entries", zap.Int("count", len(entries)))
	}
	return entries, nil
}

// Release gives up the lease on an entry without recording an attempt
func (m *Manager) Release(ctx context.Context, id string) error {
	return m.store.ReleaseClaim(ctx, id, m.owner)
}

// RecordAttemptResult applies the outcome of a redelivery attempt made
// without a lease. A failure abandons the entry once the retry budget is
// spent; otherwise the entry is rescheduled with backoff. Entries that are
// already terminal are left unchanged and ErrTerminalEntry is returned; an
// entry leased to a worker returns ErrEntryLeased.
func (m *Manager) RecordAttemptResult(ctx context.Context, id string, success bool, errMsg string, now time.Time) (*model.RetryQueueEntry, error) {
	return m.record(ctx, id, "", success, errMsg, now)
}

// RecordClaimedResult is RecordAttemptResult for an entry this manager
// claimed with DequeueDue. The result is only written while the lease is
// still held at now; otherwise ErrLeaseLost is returned and the entry is left
// to its current holder.
func (m *Manager) RecordClaimedResult(ctx context.Context, id string, success bool, errMsg string, now time.Time) (*model.RetryQueueEntry, error) {
	return m.record(ctx, id, m.owner, success, errMsg, now)
}

func (m *Manager) record(ctx context.Context, id, owner string, success bool, errMsg string, now time.Time) (*model.RetryQueueEntry, error) {
	e, err := m.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return e, ErrTerminalEntry
	}

	now = now.UTC()
	next := applyResult(*e, success, errMsg, now, m.strategy)

	applied, err := m.store.UpdateEntryResult(ctx, &next, owner, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := m.store.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case current.Status.IsTerminal():
			return current, ErrTerminalEntry
		case owner != "":
			return current, ErrLeaseLost
		default:
			return current, ErrEntryLeased
		}
	}

	m.metrics.RetryTransition(string(next.Status))
	fields := []zap.Field{
		zap.String("entry_id", next.ID),
		zap.String("tenant_id", next.TenantID),
		zap.String("webhook_name", next.WebhookName),
		zap.String("status", string(next.Status)),
		zap.Int("retry_count", next.RetryCount),
	}

	switch next.Status {
	case model.RetryStatusAbandoned:
		m.logger.Warn("Webhook delivery abandoned", append(fields, zap.String("last_error", errMsg))...)
		if m.publisher != nil {
			if err := m.publisher.PublishAbandoned(ctx, &next); err != nil {
				m.logger.Error("Failed to publish abandonment",
					zap.String("entry_id", next.ID),
					zap.Error(err))
			}
		}
	case model.RetryStatusRetrying:
		m.logger.Info("Webhook delivery rescheduled", append(fields, zap.Time("next_retry_at", next.NextRetryAt))...)
	default:
		m.logger.Info("Webhook delivery succeeded", fields...)
	}

	return &next, nil
}

// applyResult computes the next state of a non-terminal entry
func applyResult(e model.RetryQueueEntry, success bool, errMsg string, now time.Time, strategy Strategy) model.RetryQueueEntry {
	e.UpdatedAt = now
	if success {
		e.Status = model.RetryStatusSucceeded
		return e
	}

	lastError := errMsg
	e.LastError = &lastError
	if e.RetryCount+1 >= e.MaxRetries {
		e.Status = model.RetryStatusAbandoned
		e.RetryCount = min(e.RetryCount+1, e.MaxRetries)
		return e
	}

	e.RetryCount++
	e.Status = model.RetryStatusRetrying
	e.NextRetryAt = now.Add(strategy.NextRetry(e.RetryCount))
	return e
}

// Owner returns the identity this manager claims entries under
func (m *Manager) Owner() string {
	return m.owner
}

// Lease returns how long a claim made by DequeueDue stays valid
func (m *Manager) Lease() time.Duration {
	return m.lease
}
