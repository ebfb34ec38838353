package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOption applies a configuration option to Redis.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix for lock entries.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithTTL sets how long a lock survives a crashed holder. Work under the lock
// is bounded by the same duration less a drift allowance.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithRetryInterval sets the polling interval while the lock is contended.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithLogger sets the logger for release failures.
func WithLogger(l logger.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}

// Clock drift allowance subtracted from the lease before fn's deadline.
const (
	driftFactor = 100
	driftFloor  = 2 * time.Millisecond
)

// Redis serializes work per key across processes with SET NX PX.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    logger.Logger
}

// NewRedis returns a distributed serializer on rdb.
func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "dropspot:lock",
		ttl:    5 * time.Second,
		retry:  10 * time.Millisecond,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do acquires the lock for key, runs fn and releases the lock. fn must finish
// before the lease can expire: its deadline counts from the moment the winning
// SET NX was sent, less a drift allowance.
func (r *Redis) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := r.prefix + ":" + key
	token := uuid.NewString()

	start := time.Now()
	issued, err := r.acquire(ctx, lockKey, token)
	if err != nil {
		return err
	}
	metrics.RecordSerializerWait("redis", metrics.SinceMs(start))

	defer func() {
		// Release even if the caller's context is already done.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.ttl)
		defer cancel()
		if err := r.release(relCtx, lockKey, token); err != nil {
			metrics.RecordErrorByComponent("lock", "release")
			r.log.Warn(ctx, "lock release failed", logger.String("key", lockKey), logger.Error(err))
		}
	}()

	fnCtx, cancel := context.WithDeadline(ctx, leaseDeadline(issued, r.ttl))
	defer cancel()
	return fn(fnCtx)
}

// leaseDeadline returns the last instant a holder may rely on a lease of ttl
// requested at issued.
func leaseDeadline(issued time.Time, ttl time.Duration) time.Time {
	drift := ttl/driftFactor + driftFloor
	return issued.Add(ttl - drift)
}

// acquire polls SET NX until it wins and returns when the winning request was sent.
func (r *Redis) acquire(ctx context.Context, lockKey, token string) (time.Time, error) {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		issued := time.Now()
		ok, err := r.rdb.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return time.Time{}, fmt.Errorf("acquire %s: %w", lockKey, err)
		}
		if ok {
			return issued, nil
		}
		select {
		case <-ctx.Done():
			return time.Time{}, fmt.Errorf("acquire %s: %w", lockKey, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) release(ctx context.Context, lockKey, token string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{lockKey}, token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", lockKey, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", lockKey, ErrLockNotHeld)
	}
	return nil
}
