package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/hookwatch/internal/model"
)

func attempt(name string, status model.AttemptStatus, durationMS ...int64) model.WebhookAttempt {
	a := model.WebhookAttempt{WebhookName: name, Status: status}
	if len(durationMS) > 0 {
		a.DurationMS = &durationMS[0]
	}
	return a
}

func TestGroupByWebhook(t *testing.T) {
	stats := groupByWebhook([]model.WebhookAttempt{
		attempt("orders", model.AttemptStatusSuccess, 100),
		attempt("billing", model.AttemptStatusTimeout),
		attempt("orders", model.AttemptStatusFailed, 300),
		attempt("billing", model.AttemptStatusSuccess, 50),
	})
	require.Len(t, stats, 2)

	assert.Equal(t, "billing", stats[0].Name)
	assert.Equal(t, 2, stats[0].Total)
	assert.Equal(t, 1, stats[0].Failed)
	avg, ok := stats[0].AvgDuration()
	assert.True(t, ok)
	assert.Equal(t, 50.0, avg)

	assert.Equal(t, "orders", stats[1].Name)
	assert.Equal(t, 50.0, stats[1].FailureRate())
	avg, _ = stats[1].AvgDuration()
	assert.Equal(t, 200.0, avg)
}

func TestEvaluateAttempts(t *testing.T) {
	cfg := &model.AlertConfig{
		FailureRateThreshold:  33.3,
		ResponseTimeThreshold: 250,
		CheckWindowHours:      6,
		MinCallsRequired:      3,
	}

	tests := []struct {
		name     string
		attempts []model.WebhookAttempt
		want     []model.Alert
	}{
		{
			name: "rate rounded to one decimal",
			attempts: []model.WebhookAttempt{
				attempt("orders", model.AttemptStatusFailed, 10),
				attempt("orders", model.AttemptStatusSuccess, 10),
				attempt("orders", model.AttemptStatusSuccess, 10),
			},
			want: []model.Alert{{
				WebhookName: "orders",
				Details: model.HighFailureRateDetails{
					FailureRate: 33.3,
					TotalCalls:  3,
					FailedCalls: 1,
					Threshold:   33.3,
					WindowHours: 6,
				},
			}},
		},
		{
			name: "group below min calls is not rated",
			attempts: []model.WebhookAttempt{
				attempt("orders", model.AttemptStatusFailed, 10),
				attempt("orders", model.AttemptStatusFailed, 10),
			},
		},
		{
			name: "average at threshold",
			attempts: []model.WebhookAttempt{
				attempt("reports", model.AttemptStatusSuccess, 250),
				attempt("reports", model.AttemptStatusSuccess, 251),
				attempt("reports", model.AttemptStatusSuccess, 249),
				attempt("reports", model.AttemptStatusSuccess, 250),
			},
			want: []model.Alert{{
				WebhookName: "reports",
				Details: model.SlowResponseTimeDetails{
					AvgResponseTime: 250,
					Threshold:       250,
					CallsAnalyzed:   4,
					WindowHours:     6,
				},
			}},
		},
		{
			name: "no durations means no latency check",
			attempts: []model.WebhookAttempt{
				attempt("reports", model.AttemptStatusTimeout),
			},
		},
		{
			name:     "no traffic",
			attempts: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateAttempts(cfg, tt.attempts))
		})
	}
}

func TestEvaluateAttempts_TimeoutsDoNotDragMeanDown(t *testing.T) {
	cfg := &model.AlertConfig{
		FailureRateThreshold:  100,
		ResponseTimeThreshold: 400,
		CheckWindowHours:      1,
		MinCallsRequired:      1,
	}
	alerts := evaluateAttempts(cfg, []model.WebhookAttempt{
		attempt("orders", model.AttemptStatusSuccess, 400),
		attempt("orders", model.AttemptStatusTimeout),
		attempt("orders", model.AttemptStatusTimeout),
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeSlowResponseTime, alerts[0].Type())
	assert.Equal(t, 1, alerts[0].Details.(model.SlowResponseTimeDetails).CallsAnalyzed)
}

func TestAbandonedAlerts(t *testing.T) {
	lastErr := "HTTP 410"
	alerts := abandonedAlerts([]model.RetryQueueEntry{
		{WebhookName: "orders", URL: "https://hooks.example.com/orders", RetryCount: 2, LastError: &lastErr, UpdatedAt: testNow},
		{WebhookName: "billing", URL: "https://hooks.example.com/billing", RetryCount: 0, UpdatedAt: testNow},
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AbandonedWebhookDetails{
		WebhookURL:  "https://hooks.example.com/orders",
		RetryCount:  2,
		LastError:   "HTTP 410",
		AbandonedAt: testNow,
	}, alerts[0].Details)
	assert.Empty(t, alerts[1].Details.(model.AbandonedWebhookDetails).LastError)
}
