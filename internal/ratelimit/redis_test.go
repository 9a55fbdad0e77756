package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hookwatch/internal/model"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), mr
}

func TestRedisBackend_IncrementWithCeiling(t *testing.T) {
	backend, mr := newRedisBackend(t)
	ctx := context.Background()
	key := Key{
		Service:     model.ServiceEmail,
		TenantID:    "clinic-a",
		WindowStart: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Window:      time.Hour,
	}

	count, err := backend.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	for want := 1; want <= 2; want++ {
		count, ok, err := backend.IncrementWithCeiling(ctx, key, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, count)
	}

	count, ok, err := backend.IncrementWithCeiling(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, count)

	redisKey := backend.redisKey(key)
	assert.True(t, mr.Exists(redisKey))
	assert.Equal(t, time.Hour, mr.TTL(redisKey))

	mr.FastForward(time.Hour)
	count, err = backend.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRedisBackend_ConcurrentAcquire(t *testing.T) {
	backend, _ := newRedisBackend(t)
	limiter := NewLimiter(backend, nil, Config{
		Window: time.Hour,
		Limits: map[model.ServiceType]int{model.ServiceSMS: 3},
	}, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, d, err := limiter.Acquire(ctx, model.ServiceSMS, "clinic-a", now)
			assert.NoError(t, err)
			if d.Allowed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), granted.Load())
	d, err := limiter.CheckRateLimit(ctx, model.ServiceSMS, "clinic-a", now)
	require.NoError(t, err)
	assert.Equal(t, 3, d.CurrentCount)
	assert.False(t, d.Allowed)
}
