package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/testutil"
)

func TestPublisher_EnsureStreamsIsIdempotent(t *testing.T) {
	js := testutil.JetStream(t)

	p := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, p.EnsureStreams())
	require.NoError(t, p.EnsureStreams())

	_, err := js.StreamInfo(AlertStream)
	require.NoError(t, err)
	_, err = js.StreamInfo(WebhookStream)
	require.NoError(t, err)
}

func TestPublisher_PublishAlertEvent(t *testing.T) {
	js := testutil.JetStream(t)

	p := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, p.EnsureStreams())

	name := "orders"
	ev := &model.AlertEvent{
		ID:          "ev-1",
		ConfigID:    "cfg-1",
		TenantID:    "clinic-a",
		AlertType:   model.AlertTypeHighFailureRate,
		WebhookName: &name,
		Details: model.HighFailureRateDetails{
			FailureRate: 30,
			TotalCalls:  10,
			FailedCalls: 3,
			Threshold:   30,
			WindowHours: 24,
		},
		SentTo:      []string{"ops@example.com"},
		TriggeredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishAlertEvent(context.Background(), ev))

	msgs := testutil.Collect(t, js, AlertSubject(model.AlertTypeHighFailureRate), 1, 5*time.Second)
	require.Len(t, msgs, 1)

	var got struct {
		ConfigID  string          `json:"config_id"`
		AlertType model.AlertType `json:"alert_type"`
		Details   json.RawMessage `json:"alert_details"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "cfg-1", got.ConfigID)

	details, err := model.DecodeDetails(got.AlertType, got.Details)
	require.NoError(t, err)
	assert.Equal(t, ev.Details, details)
}

func TestPublisher_PublishAbandoned(t *testing.T) {
	js := testutil.JetStream(t)

	p := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, p.EnsureStreams())

	lastErr := "connection refused"
	entry := &model.RetryQueueEntry{
		ID:          "entry-1",
		TenantID:    "clinic-a",
		WebhookName: "orders",
		URL:         "https://hooks.example.com/orders",
		RetryCount:  3,
		MaxRetries:  3,
		Status:      model.RetryStatusAbandoned,
		LastError:   &lastErr,
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishAbandoned(context.Background(), entry))

	msgs := testutil.Collect(t, js, SubjectAbandoned, 1, 5*time.Second)
	require.Len(t, msgs, 1)

	var got AbandonedMessage
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "entry-1", got.EntryID)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)
	assert.True(t, got.AbandonedAt.Equal(entry.UpdatedAt))
}

func TestPublisher_PublishWithoutStreamFails(t *testing.T) {
	js := testutil.JetStream(t)

	p := NewPublisher(js, zaptest.NewLogger(t))
	err := p.PublishAbandoned(context.Background(), &model.RetryQueueEntry{ID: "entry-1"})
	assert.Error(t, err)
}
