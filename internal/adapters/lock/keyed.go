// Package lock provides ports.Serializer implementations built on locks: an
// in-process keyed mutex and a Redis-backed distributed lock.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/okian/dropspot/pkg/metrics"
)

// Keyed serializes work per key within one process. Waiting honors ctx.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyed returns an empty keyed mutex.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedLock)}
}

// Do runs fn while holding the lock for key.
func (k *Keyed) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := k.ref(key)
	defer k.unref(key, l)

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	metrics.RecordSerializerWait("mutex", metrics.SinceMs(start))

	return fn(ctx)
}

// Len returns the number of keys with holders or waiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Keyed) ref(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *Keyed) unref(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
