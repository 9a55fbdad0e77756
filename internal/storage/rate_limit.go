package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/hookwatch/internal/model"
)

// CounterValue returns the usage count of a window, zero when no counter exists yet
func (s *Store) CounterValue(ctx context.Context, service model.ServiceType, tenantID string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM rate_limit_counters
		WHERE service_type = ? AND tenant_id = ? AND window_start = ?`,
		service, tenantID, toNanos(windowStart)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	return count, nil
}

// IncrementWithCeiling atomically increments the window counter unless it
// already reached maxAllowed. It returns the resulting count and whether the
// increment happened. The ceiling is the caller's maxAllowed, so a limit
// lowered mid-window applies at once. max_allowed keeps the ceiling of the
// last applied increment.
func (s *Store) IncrementWithCeiling(ctx context.Context, service model.ServiceType, tenantID string, windowStart time.Time, maxAllowed int) (int, bool, error) {
	if maxAllowed <= 0 {
		return 0, false, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (service_type, tenant_id, window_start, count, max_allowed)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(service_type, tenant_id, window_start) DO UPDATE SET
			count = rate_limit_counters.count + 1,
			max_allowed = excluded.max_allowed
		WHERE rate_limit_counters.count < excluded.max_allowed
		RETURNING count`,
		service, tenantID, toNanos(windowStart), maxAllowed).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.CounterValue(ctx, service, tenantID, windowStart)
		return current, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return count, true, nil
}

// RecordUsageEvent appends a limiter decision to the usage log
func (s *Store) RecordUsageEvent(ctx context.Context, ev model.UsageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_usage (service_type, tenant_id, success, rate_limited, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ServiceType, ev.TenantID, boolToInt(ev.Success), boolToInt(ev.RateLimited), toNanos(ev.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

// ListUsageEvents returns the tenant's usage log for a service since the given time
func (s *Store) ListUsageEvents(ctx context.Context, service model.ServiceType, tenantID string, since time.Time) ([]model.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_type, tenant_id, success, rate_limited, recorded_at
		FROM rate_limit_usage
		WHERE service_type = ? AND tenant_id = ? AND recorded_at >= ?
		ORDER BY id ASC`,
		service, tenantID, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var (
			ev                   model.UsageEvent
			success, rateLimited int
			recordedAt           int64
		)
		if err := rows.Scan(&ev.ServiceType, &ev.TenantID, &success, &rateLimited, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		ev.Success = success == 1
		ev.RateLimited = rateLimited == 1
		ev.RecordedAt = fromNanos(recordedAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}
