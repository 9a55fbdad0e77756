package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Store is the SQLite-backed implementation of every hookwatch store.
// Timestamps are persisted as UTC unix nanoseconds.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the SQLite database at path
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, which the claim and
	// increment-with-ceiling statements rely on.
	db.SetMaxOpenConns(1)

	return &Store{
		logger: logger.Named("storage"),
		db:     db,
	}, nil
}

// Migrate creates the necessary tables if they don't exist
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			webhook_name TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			duration_ms INTEGER,
			triggered_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_attempts_tenant_time ON webhook_attempts(tenant_id, triggered_at)`,
		`CREATE TABLE IF NOT EXISTS retry_queue (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			webhook_name TEXT NOT NULL,
			url TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			next_retry_at INTEGER NOT NULL,
			claimed_by TEXT,
			claim_expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			CHECK (retry_count >= 0 AND retry_count <= max_retries)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_queue_due ON retry_queue(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_queue_tenant ON retry_queue(tenant_id, status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS alert_configs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			notification_channel TEXT NOT NULL DEFAULT 'email',
			alert_recipients TEXT NOT NULL DEFAULT '[]',
			failure_rate_threshold REAL NOT NULL,
			response_time_threshold REAL NOT NULL,
			check_window_hours INTEGER NOT NULL,
			min_calls_required INTEGER NOT NULL CHECK (min_calls_required >= 1),
			cooldown_hours INTEGER NOT NULL CHECK (cooldown_hours >= 0),
			last_alert_sent_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_configs_enabled ON alert_configs(enabled)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			webhook_name TEXT,
			alert_details TEXT NOT NULL,
			alert_sent_to TEXT NOT NULL,
			triggered_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_config ON alert_events(config_id, triggered_at)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			service_type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			count INTEGER NOT NULL,
			max_allowed INTEGER NOT NULL,
			PRIMARY KEY (service_type, tenant_id, window_start),
			CHECK (count <= max_allowed)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service_type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			rate_limited INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_usage_tenant ON rate_limit_usage(service_type, tenant_id, recorded_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}
