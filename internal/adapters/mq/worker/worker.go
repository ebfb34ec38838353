// Package worker runs exclusive jobs on single-writer workers. Pool shards
// keys across workers so that all jobs for one key execute one at a time, in
// arrival order, while different keys proceed in parallel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/okian/dropspot/internal/adapters/mq/queue"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultQueueCapacity = 1024
	poolShutdownTimeout  = 30 * time.Second
)

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// InMemoryWorker executes jobs from one queue sequentially.
type InMemoryWorker struct {
	queue Queue
	name  string

	done chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:  q,
		name:   "worker",
		done:   make(chan struct{}),
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run processes jobs until the queue is closed and drained or ctx is canceled.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			job.Done <- w.process(job)
		}
	}
}

// Done is closed when Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} {
	return w.done
}

// process runs a single job. Jobs whose caller already gave up are skipped.
func (w *InMemoryWorker) process(job queue.Job) (err error) {
	if err := job.Ctx.Err(); err != nil {
		return err
	}
	metrics.RecordSerializerWait("queue", metrics.SinceMs(job.Enqueued))

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("worker", "panic")
			w.logger.Error(job.Ctx, "job panicked", logger.String("key", job.Key), logger.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v", job.Key, r)
		}
	}()
	return job.Fn(job.Ctx)
}

// Pool is a ports.Serializer backed by sharded single-writer queues.
type Pool struct {
	shards        int
	queueCapacity int
	queues        []*queue.InMemoryQueue
	workers       []*InMemoryWorker

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	logger logger.Logger
}

// NewPool creates a pool. Call Start before Do.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		shards:        runtime.NumCPU(),
		queueCapacity: defaultQueueCapacity,
		logger:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.queues = make([]*queue.InMemoryQueue, p.shards)
	p.workers = make([]*InMemoryWorker, p.shards)
	for i := 0; i < p.shards; i++ {
		name := "shard-" + strconv.Itoa(i)
		p.queues[i] = queue.NewInMemoryQueue(queue.WithCapacity(p.queueCapacity), queue.WithName(name))
		p.workers[i] = NewInMemoryWorker(p.queues[i], WithName(name), WithLogger(p.logger))
	}
	return p
}

// Start starts one goroutine per shard. Workers keep ctx's values but not its
// cancellation: they run until Shutdown closes their queues, so jobs accepted
// before shutdown still execute.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for _, w := range p.workers {
		go w.Run(runCtx)
	}
	metrics.UpdateWorkerCount(p.shards)
}

// Shard returns the shard index that serves key.
func (p *Pool) Shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(p.shards))
}

// Do runs fn on the worker that owns key and waits for its result.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	started, stopped := p.started, p.stopped
	p.mu.RUnlock()
	switch {
	case stopped:
		return ErrStopped
	case !started:
		return ErrNotStarted
	}

	job := queue.NewJob(ctx, key, fn)
	if err := p.queues[p.Shard(key)].Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		return err
	}

	select {
	case err := <-job.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued jobs across all shards.
func (p *Pool) Len(ctx context.Context) int {
	n := 0
	for _, q := range p.queues {
		n += q.Len(ctx)
	}
	metrics.UpdateClaimQueueSize(n)
	return n
}

// Shutdown stops accepting jobs, lets workers drain what is queued, and waits
// for them to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started, cancel := p.started, p.cancel
	p.mu.Unlock()

	for _, q := range p.queues {
		if err := q.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	if !started {
		return nil
	}

	defer cancel()

	shutdownCtx, stop := context.WithTimeout(ctx, poolShutdownTimeout)
	defer stop()
	for i, w := range p.workers {
		select {
		case <-w.Done():
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
		}
	}
	metrics.UpdateWorkerCount(0)
	return nil
}
