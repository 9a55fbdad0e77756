package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/model"
)

// InsertEvent appends an alert event to the audit trail
func (s *Store) InsertEvent(ctx context.Context, ev *model.AlertEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal alert details: %w", err)
	}
	sentTo, err := json.Marshal(ev.SentTo)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_events (
			id, config_id, tenant_id, alert_type, webhook_name, alert_details, alert_sent_to, triggered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.ConfigID,
		ev.TenantID,
		ev.AlertType,
		nullString(ev.WebhookName),
		string(details),
		string(sentTo),
		toNanos(ev.TriggeredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

// ListEvents returns the alert events recorded for a config, oldest first
func (s *Store) ListEvents(ctx context.Context, configID string) ([]model.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, tenant_id, alert_type, webhook_name, alert_details, alert_sent_to, triggered_at
		FROM alert_events
		WHERE config_id = ?
		ORDER BY triggered_at ASC, id ASC`, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var events []model.AlertEvent
	for rows.Next() {
		var (
			ev              model.AlertEvent
			webhookName     sql.NullString
			details, sentTo string
			triggeredAt     int64
		)
		if err := rows.Scan(&ev.ID, &ev.ConfigID, &ev.TenantID, &ev.AlertType, &webhookName, &details, &sentTo, &triggeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		ev.WebhookName = stringPtr(webhookName)
		ev.TriggeredAt = fromNanos(triggeredAt)
		if ev.Details, err = model.DecodeDetails(ev.AlertType, []byte(details)); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sentTo), &ev.SentTo); err != nil {
			return nil, fmt.Errorf("failed to decode alert recipients: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// DeleteEventsBefore deletes alert events triggered before the cutoff
func (s *Store) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM alert_events WHERE triggered_at < ?", toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete alert events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old alert events",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
