// Package queue provides bounded in-memory job queues consumed by
// single-writer workers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/dropspot/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity = 1024
)

// Job is a unit of exclusive work. Done receives exactly one value: the
// result of Fn, or the reason it never ran.
type Job struct {
	Ctx      context.Context //nolint:containedctx // the job carries its caller's deadline across the queue
	Key      string
	Fn       func(ctx context.Context) error
	Done     chan error
	Enqueued time.Time
}

// NewJob creates a job with a buffered completion channel.
func NewJob(ctx context.Context, key string, fn func(ctx context.Context) error) Job {
	return Job{Ctx: ctx, Key: key, Fn: fn, Done: make(chan error, 1), Enqueued: time.Now()}
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job. It fails with ErrFull or ErrClosed without blocking.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue returns a channel that receives jobs in FIFO order.
	// The channel is closed when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Job

	// Len returns the current number of queued jobs.
	Len(ctx context.Context) int

	// Close stops accepting jobs.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	name     string
	jobs     chan Job
	capacity int
	mu       sync.RWMutex
	closed   bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		name:     "claims",
		capacity: defaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)
	return q
}

// Enqueue adds a job to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordClaimQueueRejection()
		return fmt.Errorf("%s: %w", q.name, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case q.jobs <- j:
		metrics.UpdateClaimQueueSize(len(q.jobs))
		return nil
	default:
		metrics.RecordClaimQueueRejection()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return fmt.Errorf("%s: %w", q.name, ErrFull)
	}
}

// Dequeue returns the job channel. Jobs are handed out directly so a single
// consumer observes strict FIFO order.
func (q *InMemoryQueue) Dequeue(_ context.Context) <-chan Job {
	return q.jobs
}

// Len returns the current number of queued jobs.
func (q *InMemoryQueue) Len(_ context.Context) int {
	return len(q.jobs)
}

// Close stops accepting jobs. Jobs already queued remain readable.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
