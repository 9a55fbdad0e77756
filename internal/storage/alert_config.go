package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/hookwatch/internal/model"
)

const configColumns = `id, tenant_id, enabled, notification_channel, alert_recipients,
	failure_rate_threshold, response_time_threshold, check_window_hours,
	min_calls_required, cooldown_hours, last_alert_sent_at, created_at, updated_at`

// SaveConfig inserts or replaces an alert config
func (s *Store) SaveConfig(ctx context.Context, cfg *model.AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	recipients, err := json.Marshal(cfg.AlertRecipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			enabled = excluded.enabled,
			notification_channel = excluded.notification_channel,
			alert_recipients = excluded.alert_recipients,
			failure_rate_threshold = excluded.failure_rate_threshold,
			response_time_threshold = excluded.response_time_threshold,
			check_window_hours = excluded.check_window_hours,
			min_calls_required = excluded.min_calls_required,
			cooldown_hours = excluded.cooldown_hours,
			last_alert_sent_at = excluded.last_alert_sent_at,
			updated_at = excluded.updated_at`,
		cfg.ID,
		cfg.TenantID,
		boolToInt(cfg.Enabled),
		cfg.Channel(),
		string(recipients),
		cfg.FailureRateThreshold,
		cfg.ResponseTimeThreshold,
		cfg.CheckWindowHours,
		cfg.MinCallsRequired,
		cfg.CooldownHours,
		nullNanos(cfg.LastAlertSentAt),
		toNanos(cfg.CreatedAt),
		toNanos(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert config: %w", err)
	}
	return nil
}

// GetConfig returns the alert config with the given id
func (s *Store) GetConfig(ctx context.Context, id string) (*model.AlertConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM alert_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListEnabled returns all enabled alert configs
func (s *Store) ListEnabled(ctx context.Context) ([]model.AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM alert_configs
		WHERE enabled = 1
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert configs: %w", err)
	}
	defer rows.Close()

	var configs []model.AlertConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return configs, nil
}

// UpdateLastAlertSentAt advances the cooldown marker of a config
func (s *Store) UpdateLastAlertSentAt(ctx context.Context, id string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_configs SET last_alert_sent_at = ?, updated_at = ?
		WHERE id = ?`, toNanos(ts), toNanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update last alert time: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConfig(row scanner) (*model.AlertConfig, error) {
	var (
		cfg                  model.AlertConfig
		enabled              int
		recipients           string
		lastSent             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&cfg.ID,
		&cfg.TenantID,
		&enabled,
		&cfg.NotificationChannel,
		&recipients,
		&cfg.FailureRateThreshold,
		&cfg.ResponseTimeThreshold,
		&cfg.CheckWindowHours,
		&cfg.MinCallsRequired,
		&cfg.CooldownHours,
		&lastSent,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert config: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &cfg.AlertRecipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients of config %s: %w", cfg.ID, err)
	}
	cfg.Enabled = enabled == 1
	cfg.LastAlertSentAt = timePtr(lastSent)
	cfg.CreatedAt = fromNanos(createdAt)
	cfg.UpdatedAt = fromNanos(updatedAt)
	return &cfg, nil
}
