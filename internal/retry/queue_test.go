package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/storage"
	"github.com/t77yq/hookwatch/internal/testutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testStrategy() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Minute,
		MaxDelay:     time.Hour,
		Multiplier:   2,
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	abandoned []model.RetryQueueEntry
}

func (p *fakePublisher) PublishAbandoned(_ context.Context, e *model.RetryQueueEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = append(p.abandoned, *e)
	return nil
}

func newTestManager(t *testing.T, store *storage.Store, pub AbandonmentPublisher) *Manager {
	t.Helper()
	return NewManager(store, testStrategy(), pub, nil, ManagerConfig{
		Owner:     "test-worker",
		Lease:     time.Minute,
		BatchSize: 10,
	}, zaptest.NewLogger(t))
}

func TestManager_Enqueue(t *testing.T) {
	store := testutil.NewStore(t)
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	e, err := m.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", []byte(`{"id":1}`), 3, testNow)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.True(t, e.NextRetryAt.Equal(testNow.Add(time.Minute)))

	stored, err := store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.MaxRetries)
	assert.JSONEq(t, `{"id":1}`, string(stored.Payload))

	_, err = m.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, -1, testNow)
	assert.ErrorIs(t, err, ErrInvalidMaxRetries)
}

func TestManager_RetryLifecycleEndsInAbandonment(t *testing.T) {
	store := testutil.NewStore(t)
	pub := &fakePublisher{}
	m := newTestManager(t, store, pub)
	ctx := context.Background()

	e, err := m.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, 3, testNow)
	require.NoError(t, err)

	now := testNow
	want := []struct {
		status     model.RetryStatus
		retryCount int
	}{
		{model.RetryStatusRetrying, 1},
		{model.RetryStatusRetrying, 2},
		{model.RetryStatusAbandoned, 3},
	}
	for i, w := range want {
		now = now.Add(time.Hour)
		got, err := m.RecordAttemptResult(ctx, e.ID, false, "HTTP 503", now)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, w.status, got.Status, "attempt %d", i+1)
		assert.Equal(t, w.retryCount, got.RetryCount, "attempt %d", i+1)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "HTTP 503", *got.LastError)
		if w.status == model.RetryStatusRetrying {
			// Scheduled from the count after this failure.
			want := now.Add(testStrategy().NextRetry(w.retryCount))
			assert.True(t, want.Equal(got.NextRetryAt), "attempt %d: next_retry_at %s, want %s", i+1, got.NextRetryAt, want)
		}
	}

	stored, err := store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusAbandoned, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.True(t, stored.UpdatedAt.Equal(now))

	require.Len(t, pub.abandoned, 1)
	assert.Equal(t, e.ID, pub.abandoned[0].ID)

	// Further results leave the terminal entry unchanged.
	for _, success := range []bool{false, true} {
		got, err := m.RecordAttemptResult(ctx, e.ID, success, "late", now.Add(time.Hour))
		assert.ErrorIs(t, err, ErrTerminalEntry)
		assert.Equal(t, model.RetryStatusAbandoned, got.Status)
		assert.Equal(t, 3, got.RetryCount)
	}

	stored, err = store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusAbandoned, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, "HTTP 503", *stored.LastError)
	assert.Len(t, pub.abandoned, 1)
}

func TestManager_BackoffSchedule(t *testing.T) {
	store := testutil.NewStore(t)
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	e, err := m.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, 5, testNow)
	require.NoError(t, err)

	got, err := m.RecordAttemptResult(ctx, e.ID, false, "timeout", testNow)
	require.NoError(t, err)
	assert.True(t, got.NextRetryAt.Equal(testNow.Add(2*time.Minute)))

	got, err = m.RecordAttemptResult(ctx, e.ID, false, "timeout", testNow)
	require.NoError(t, err)
	assert.True(t, got.NextRetryAt.Equal(testNow.Add(4*time.Minute)))
}

func TestManager_SuccessIsTerminal(t *testing.T) {
	store := testutil.NewStore(t)
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	e, err := m.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, 3, testNow)
	require.NoError(t, err)

	got, err := m.RecordAttemptResult(ctx, e.ID, true, "", testNow)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusSucceeded, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	_, err = m.RecordAttemptResult(ctx, e.ID, false, "boom", testNow)
	assert.ErrorIs(t, err, ErrTerminalEntry)

	_, err = m.RecordAttemptResult(ctx, "missing", false, "boom", testNow)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_ZeroRetryBudgetAbandonsOnFirstFailure(t *testing.T) {
	store := testutil.NewStore(t)
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	e, err := m.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, 0, testNow)
	require.NoError(t, err)

	got, err := m.RecordAttemptResult(ctx, e.ID, false, "refused", testNow)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusAbandoned, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestManager_DequeueDueIsExclusive(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	first := newTestManager(t, store, nil)
	second := NewManager(store, testStrategy(), nil, nil, ManagerConfig{
		Owner: "other-worker",
		Lease: time.Minute,
	}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := first.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, 3, testNow)
		require.NoError(t, err)
	}

	due := testNow.Add(time.Minute)
	notYet, err := first.DequeueDue(ctx, testNow)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	claimed, err := first.DequeueDue(ctx, due)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	other, err := second.DequeueDue(ctx, due)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, first.Release(ctx, claimed[0].ID))
	other, err = second.DequeueDue(ctx, due)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, claimed[0].ID, other[0].ID)

	// Leases expire.
	other, err = second.DequeueDue(ctx, due.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, other, 3)
}

func TestManager_StaleWorkerCannotRecordAfterTakeover(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	workerA := newTestManager(t, store, nil)
	workerB := NewManager(store, testStrategy(), nil, nil, ManagerConfig{
		Owner: "other-worker",
		Lease: time.Minute,
	}, zaptest.NewLogger(t))

	e, err := workerA.Enqueue(ctx, "clinic-a", "orders", "https://hooks.example.com/orders", nil, 5, testNow)
	require.NoError(t, err)

	due := testNow.Add(time.Minute)
	claimed, err := workerA.DequeueDue(ctx, due)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	takeover := due.Add(6 * time.Minute)
	claimed, err = workerB.DequeueDue(ctx, takeover)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, e.ID, claimed[0].ID)

	_, err = workerA.RecordClaimedResult(ctx, e.ID, false, "HTTP 503", due.Add(30*time.Second))
	assert.ErrorIs(t, err, ErrLeaseLost)

	_, err = workerA.RecordAttemptResult(ctx, e.ID, false, "HTTP 503", takeover)
	assert.ErrorIs(t, err, ErrEntryLeased)

	got, err := workerB.RecordClaimedResult(ctx, e.ID, false, "HTTP 503", takeover)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	// The late write from the first worker is still refused after the takeover completes.
	_, err = workerA.RecordClaimedResult(ctx, e.ID, false, "HTTP 503", takeover)
	assert.ErrorIs(t, err, ErrLeaseLost)

	stored, err := store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, model.RetryStatusRetrying, stored.Status)
}
