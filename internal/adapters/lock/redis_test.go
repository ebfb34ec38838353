package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisOptions(t *testing.T) {
	r := NewRedis(nil,
		WithPrefix(":locks:"),
		WithTTL(time.Second),
		WithRetryInterval(time.Millisecond),
		WithTTL(0),
	)
	assert.Equal(t, "locks", r.prefix)
	assert.Equal(t, time.Second, r.ttl)
	assert.Equal(t, time.Millisecond, r.retry)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("DROPSPOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DROPSPOT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisSerializesSameKey(t *testing.T) {
	rdb := redisClient(t)
	r := NewRedis(rdb, WithPrefix("dropspot:test:"+uuid.NewString()), WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	var (
		inFlight, maxSeen int32
		wg                sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Do(ctx, "drop-1", func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestRedisReleaseChecksToken(t *testing.T) {
	rdb := redisClient(t)
	r := NewRedis(rdb, WithPrefix("dropspot:test:"+uuid.NewString()))
	ctx := context.Background()
	key := r.prefix + ":drop-1"

	require.NoError(t, rdb.Set(ctx, key, "someone-else", time.Minute).Err())
	assert.ErrorIs(t, r.release(ctx, key, "mine"), ErrLockNotHeld)

	val, err := rdb.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
	require.NoError(t, rdb.Del(ctx, key).Err())
}

func TestLeaseDeadlineLeavesDriftMargin(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, issued.Add(5*time.Second-52*time.Millisecond), leaseDeadline(issued, 5*time.Second))
	assert.Equal(t, issued.Add(98*time.Millisecond), leaseDeadline(issued, 100*time.Millisecond))
}

func TestRedisWorkDeadlineEndsBeforeLease(t *testing.T) {
	rdb := redisClient(t)
	ttl := time.Second
	r := NewRedis(rdb, WithPrefix("dropspot:test:"+uuid.NewString()), WithTTL(ttl))

	lease := ttl - ttl/driftFactor - driftFloor
	before := time.Now()
	var deadline, inside time.Time
	err := r.Do(context.Background(), "drop-1", func(ctx context.Context) error {
		inside = time.Now()
		var ok bool
		deadline, ok = ctx.Deadline()
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, deadline.Before(before.Add(lease)))
	assert.False(t, deadline.After(inside.Add(lease)), "work deadline must count from the SET NX request")
}
