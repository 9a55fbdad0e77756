package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/hookwatch/internal/model"
)

const retryColumns = `id, tenant_id, webhook_name, url, payload, retry_count, max_retries,
	status, last_error, next_retry_at, created_at, updated_at`

// InsertEntry stores a new retry queue entry
func (s *Store) InsertEntry(ctx context.Context, e *model.RetryQueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_queue (
			id, tenant_id, webhook_name, url, payload, retry_count, max_retries,
			status, last_error, next_retry_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.TenantID,
		e.WebhookName,
		e.URL,
		string(e.Payload),
		e.RetryCount,
		e.MaxRetries,
		e.Status,
		nullString(e.LastError),
		toNanos(e.NextRetryAt),
		toNanos(e.CreatedAt),
		toNanos(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert retry entry: %w", err)
	}
	return nil
}

// GetEntry returns the retry entry with the given id
func (s *Store) GetEntry(ctx context.Context, id string) (*model.RetryQueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+retryColumns+` FROM retry_queue WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ClaimDue leases up to limit due, non-terminal entries to owner until now+lease.
// Entries already leased to another owner are skipped until their lease expires.
func (s *Store) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.RetryQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE retry_queue
		SET claimed_by = ?, claim_expires_at = ?
		WHERE id IN (
			SELECT id FROM retry_queue
			WHERE status IN ('pending', 'retrying')
				AND next_retry_at <= ?
				AND (claim_expires_at IS NULL OR claim_expires_at <= ?)
			ORDER BY next_retry_at ASC
			LIMIT ?
		)
		RETURNING `+retryColumns,
		owner, toNanos(now.Add(lease)), toNanos(now), toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retry entries: %w", err)
	}
	defer rows.Close()

	var entries []model.RetryQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// UpdateEntryResult persists the outcome of an attempt and releases the lease.
// The update only applies while the stored entry is non-terminal. With a
// non-empty owner it also requires that owner to still hold a live lease at
// now; with an empty owner it requires that no live lease is held by anyone.
// It reports false when nothing was changed.
func (s *Store) UpdateEntryResult(ctx context.Context, e *model.RetryQueueEntry, owner string, now time.Time) (bool, error) {
	leaseClause := `AND (claimed_by IS NULL OR claim_expires_at <= ?)`
	args := []interface{}{toNanos(now)}
	if owner != "" {
		leaseClause = `AND claimed_by = ? AND claim_expires_at > ?`
		args = []interface{}{owner, toNanos(now)}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_queue SET
			retry_count = ?,
			status = ?,
			last_error = ?,
			next_retry_at = ?,
			updated_at = ?,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = ? AND status IN ('pending', 'retrying') `+leaseClause,
		append([]interface{}{
			e.RetryCount,
			e.Status,
			nullString(e.LastError),
			toNanos(e.NextRetryAt),
			toNanos(e.UpdatedAt),
			e.ID,
		}, args...)...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update retry entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// ReleaseClaim drops the lease on an entry without changing its state
func (s *Store) ReleaseClaim(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_queue SET claimed_by = NULL, claim_expires_at = NULL
		WHERE id = ? AND claimed_by = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to release retry claim: %w", err)
	}
	return nil
}

// ListAbandoned returns the tenant's entries abandoned at or after since
func (s *Store) ListAbandoned(ctx context.Context, tenantID string, since time.Time) ([]model.RetryQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+retryColumns+`
		FROM retry_queue
		WHERE tenant_id = ? AND status = 'abandoned' AND updated_at >= ?
		ORDER BY updated_at ASC`,
		tenantID, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned entries: %w", err)
	}
	defer rows.Close()

	var entries []model.RetryQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

func scanEntry(row scanner) (*model.RetryQueueEntry, error) {
	var (
		e                                 model.RetryQueueEntry
		payload                           string
		lastError                         sql.NullString
		nextRetryAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.WebhookName,
		&e.URL,
		&payload,
		&e.RetryCount,
		&e.MaxRetries,
		&e.Status,
		&lastError,
		&nextRetryAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan retry entry: %w", err)
	}
	if payload != "" {
		e.Payload = []byte(payload)
	}
	e.LastError = stringPtr(lastError)
	e.NextRetryAt = fromNanos(nextRetryAt)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}
