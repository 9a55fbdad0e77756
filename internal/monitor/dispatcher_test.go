package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/notify"
	"github.com/t77yq/hookwatch/internal/ratelimit"
	"github.com/t77yq/hookwatch/internal/storage"
	"github.com/t77yq/hookwatch/internal/testutil"
)

// deadlineStore records the deadline of every write and can stall until the
// context gives up
type deadlineStore struct {
	*storage.Store

	mu        sync.Mutex
	deadlines []time.Duration
	stall     bool
}

func (s *deadlineStore) observe(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	s.mu.Lock()
	if ok {
		s.deadlines = append(s.deadlines, time.Until(deadline))
	} else {
		s.deadlines = append(s.deadlines, -1)
	}
	stall := s.stall
	s.mu.Unlock()

	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *deadlineStore) InsertEvent(ctx context.Context, ev *model.AlertEvent) error {
	if err := s.observe(ctx); err != nil {
		return err
	}
	return s.Store.InsertEvent(ctx, ev)
}

func (s *deadlineStore) UpdateLastAlertSentAt(ctx context.Context, id string, ts time.Time) error {
	if err := s.observe(ctx); err != nil {
		return err
	}
	return s.Store.UpdateLastAlertSentAt(ctx, id, ts)
}

func newDeadlineDispatcher(t *testing.T, queryTimeout time.Duration) (*Dispatcher, *deadlineStore, *model.AlertConfig) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := &deadlineStore{Store: testutil.NewStore(t)}

	registry := notify.NewRegistry()
	registry.Register(model.ServiceEmail, &fakeChannel{})
	limiter := ratelimit.NewLimiter(ratelimit.NewSQLiteBackend(store.Store), store.Store, ratelimit.Config{
		Window: time.Hour,
		Limits: map[model.ServiceType]int{model.ServiceEmail: 10},
	}, nil, logger)

	d := NewDispatcher(registry, limiter, store, store, nil, MustNewRenderer(), nil,
		DispatcherOptions{SendTimeout: time.Second, QueryTimeout: queryTimeout}, logger)

	cfg := &model.AlertConfig{
		TenantID:         "clinic-a",
		Enabled:          true,
		AlertRecipients:  []string{"ops@example.com"},
		CheckWindowHours: 24,
		MinCallsRequired: 1,
		CooldownHours:    1,
	}
	require.NoError(t, store.SaveConfig(context.Background(), cfg))
	return d, store, cfg
}

func failureAlerts() []model.Alert {
	return []model.Alert{
		{WebhookName: "orders", Details: model.HighFailureRateDetails{FailureRate: 80, TotalCalls: 5, FailedCalls: 4, Threshold: 50}},
		{WebhookName: "invoices", Details: model.HighFailureRateDetails{FailureRate: 60, TotalCalls: 5, FailedCalls: 3, Threshold: 50}},
	}
}

func TestDispatch_RecordsUnderQueryTimeout(t *testing.T) {
	d, store, cfg := newDeadlineDispatcher(t, 2*time.Second)

	// The caller's context carries no deadline of its own.
	result, err := d.Dispatch(context.Background(), cfg, failureAlerts(), testNow)
	require.NoError(t, err)
	assert.Equal(t, DispatchSent, result.Outcome)

	require.Len(t, store.deadlines, 3, "two events and the cooldown marker")
	for _, remaining := range store.deadlines {
		assert.Greater(t, remaining, time.Duration(0))
		assert.LessOrEqual(t, remaining, 2*time.Second)
	}
}

func TestDispatch_StalledStoreHitsQueryTimeout(t *testing.T) {
	d, store, cfg := newDeadlineDispatcher(t, 50*time.Millisecond)
	store.stall = true

	start := time.Now()
	_, err := d.Dispatch(context.Background(), cfg, failureAlerts(), testNow)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageRecord, stageErr.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := store.GetConfig(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastAlertSentAt)
}
