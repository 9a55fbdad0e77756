package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hookwatch:ratelimit"

// incrementWithCeiling returns {incremented, count}. The key expires one
// window after it is created.
var incrementWithCeiling = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if current >= max then
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisBackend keeps counters in Redis, shared by every hookwatch instance
// pointing at the same server
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a backend over client
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) redisKey(key Key) string {
	return fmt.Sprintf("%s:%s:%s:%d", redisKeyPrefix, key.Service, key.TenantID, key.WindowStart.Unix())
}

// Current implements Backend.Current
func (b *RedisBackend) Current(ctx context.Context, key Key) (int, error) {
	count, err := b.client.Get(ctx, b.redisKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

// IncrementWithCeiling implements Backend.IncrementWithCeiling
func (b *RedisBackend) IncrementWithCeiling(ctx context.Context, key Key, maxAllowed int) (int, bool, error) {
	ttl := key.Window
	if ttl <= 0 {
		ttl = time.Hour
	}

	res, err := incrementWithCeiling.Run(ctx, b.client, []string{b.redisKey(key)}, maxAllowed, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment counter: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script result: %v", res)
	}
	return int(res[1]), res[0] == 1, nil
}
