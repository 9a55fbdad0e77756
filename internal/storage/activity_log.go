package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/hookwatch/internal/model"
)

// Record appends a webhook attempt to the activity log
func (s *Store) Record(ctx context.Context, attempt *model.WebhookAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	var duration sql.NullInt64
	if attempt.DurationMS != nil {
		duration = sql.NullInt64{Int64: *attempt.DurationMS, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_attempts (
			id, tenant_id, webhook_name, url, status, duration_ms, triggered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.TenantID,
		attempt.WebhookName,
		attempt.URL,
		attempt.Status,
		duration,
		toNanos(attempt.TriggeredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook attempt: %w", err)
	}
	return nil
}

// Query returns the tenant's attempts triggered at or after since, oldest first
func (s *Store) Query(ctx context.Context, tenantID string, since time.Time) ([]model.WebhookAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, webhook_name, url, status, duration_ms, triggered_at
		FROM webhook_attempts
		WHERE tenant_id = ? AND triggered_at >= ?
		ORDER BY triggered_at ASC`,
		tenantID, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.WebhookAttempt
	for rows.Next() {
		var (
			a           model.WebhookAttempt
			duration    sql.NullInt64
			triggeredAt int64
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.WebhookName, &a.URL, &a.Status, &duration, &triggeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook attempt: %w", err)
		}
		if duration.Valid {
			ms := duration.Int64
			a.DurationMS = &ms
		}
		a.TriggeredAt = fromNanos(triggeredAt)
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}
