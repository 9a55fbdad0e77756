// Package ratelimit bounds outbound notification volume per tenant and
// service type over fixed tumbling windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/metrics"
	"github.com/t77yq/hookwatch/internal/model"
)

// ErrRateLimited is reported by Decision.Err for a denied decision
var ErrRateLimited = errors.New("rate limit exceeded")

// Key identifies one counter: a tenant's usage of a service in one window
type Key struct {
	Service     model.ServiceType
	TenantID    string
	WindowStart time.Time
	Window      time.Duration
}

// Backend stores window counters. IncrementWithCeiling must be atomic with
// respect to concurrent callers sharing the same key.
type Backend interface {
	Current(ctx context.Context, key Key) (int, error)
	IncrementWithCeiling(ctx context.Context, key Key, maxAllowed int) (count int, incremented bool, err error)
}

// UsageRecorder persists limiter decisions for auditing
type UsageRecorder interface {
	RecordUsageEvent(ctx context.Context, ev model.UsageEvent) error
}

// Config holds the window size and per-service ceilings
type Config struct {
	Window       time.Duration
	Limits       map[model.ServiceType]int
	DefaultLimit int
}

// Decision is the result of a limiter check
type Decision struct {
	Allowed      bool
	CurrentCount int
	MaxAllowed   int
	WindowStart  time.Time
}

// Err returns nil when the decision allows the call and ErrRateLimited otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %d of %d used in window starting %s",
		ErrRateLimited, d.CurrentCount, d.MaxAllowed, d.WindowStart.Format(time.RFC3339))
}

// Limiter is shared by the retry executor and alert dispatch
type Limiter struct {
	logger  *zap.Logger
	backend Backend
	usage   UsageRecorder
	metrics *metrics.Metrics
	cfg     Config
}

// NewLimiter creates a limiter. usage and m may be nil.
func NewLimiter(backend Backend, usage UsageRecorder, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Limiter{
		logger:  logger.Named("rate-limiter"),
		backend: backend,
		usage:   usage,
		metrics: m,
		cfg:     cfg,
	}
}

// MaxAllowed returns the ceiling configured for a service
func (l *Limiter) MaxAllowed(service model.ServiceType) int {
	if limit, ok := l.cfg.Limits[service]; ok {
		return limit
	}
	return l.cfg.DefaultLimit
}

func (l *Limiter) key(service model.ServiceType, tenantID string, now time.Time) Key {
	return Key{
		Service:     service,
		TenantID:    tenantID,
		WindowStart: now.UTC().Truncate(l.cfg.Window),
		Window:      l.cfg.Window,
	}
}

// CheckRateLimit reports whether a send would currently be allowed. It does not
// change any state, so a positive answer is not a reservation; use Acquire when
// the check and the increment must be a single step.
func (l *Limiter) CheckRateLimit(ctx context.Context, service model.ServiceType, tenantID string, now time.Time) (Decision, error) {
	key := l.key(service, tenantID, now)
	limit := l.MaxAllowed(service)

	count, err := l.backend.Current(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read rate limit: %w", err)
	}
	return Decision{
		Allowed:      count < limit,
		CurrentCount: count,
		MaxAllowed:   limit,
		WindowStart:  key.WindowStart,
	}, nil
}

// RecordUsage counts an attempt that was made against the provider, whether it
// succeeded or not. The counter never passes the ceiling; a call made while the
// window is exhausted is reported with Allowed=false and not counted.
func (l *Limiter) RecordUsage(ctx context.Context, service model.ServiceType, tenantID string, success bool, now time.Time) (Decision, error) {
	d, err := l.increment(ctx, service, tenantID, now)
	if err != nil {
		return Decision{}, err
	}
	l.record(ctx, service, tenantID, success && d.Allowed, !d.Allowed, now)
	return d, nil
}

// Acquire atomically checks the limit and consumes one unit of quota. When
// denied, the rejection is recorded as a failed usage event without consuming
// quota and the returned reservation is nil.
func (l *Limiter) Acquire(ctx context.Context, service model.ServiceType, tenantID string, now time.Time) (*Reservation, Decision, error) {
	d, err := l.increment(ctx, service, tenantID, now)
	if err != nil {
		return nil, Decision{}, err
	}
	l.metrics.RateLimitDecision(string(service), d.Allowed)

	if !d.Allowed {
		l.logger.Info("Rate limit reached",
			zap.String("service_type", string(service)),
			zap.String("tenant_id", tenantID),
			zap.Int("current_count", d.CurrentCount),
			zap.Int("max_allowed", d.MaxAllowed))
		l.record(ctx, service, tenantID, false, true, now)
		return nil, d, nil
	}

	return &Reservation{
		limiter:  l,
		service:  service,
		tenantID: tenantID,
		now:      now,
	}, d, nil
}

func (l *Limiter) increment(ctx context.Context, service model.ServiceType, tenantID string, now time.Time) (Decision, error) {
	key := l.key(service, tenantID, now)
	limit := l.MaxAllowed(service)

	count, ok, err := l.backend.IncrementWithCeiling(ctx, key, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to record rate limit usage: %w", err)
	}
	return Decision{
		Allowed:      ok,
		CurrentCount: count,
		MaxAllowed:   limit,
		WindowStart:  key.WindowStart,
	}, nil
}

func (l *Limiter) record(ctx context.Context, service model.ServiceType, tenantID string, success, rateLimited bool, now time.Time) {
	if l.usage == nil {
		return
	}
	ev := model.UsageEvent{
		ServiceType: service,
		TenantID:    tenantID,
		Success:     success,
		RateLimited: rateLimited,
		RecordedAt:  now.UTC(),
	}
	if err := l.usage.RecordUsageEvent(ctx, ev); err != nil {
		l.logger.Warn("Failed to record usage event",
			zap.String("service_type", string(service)),
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

// Reservation is one unit of quota already consumed by Acquire
type Reservation struct {
	limiter  *Limiter
	service  model.ServiceType
	tenantID string
	now      time.Time
}

// Complete records the outcome of the send the reservation was taken for
func (r *Reservation) Complete(ctx context.Context, success bool) {
	r.limiter.record(ctx, r.service, r.tenantID, success, false, r.now)
}
