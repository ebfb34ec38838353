package waitlist

import (
	"time"

	"github.com/okian/dropspot/internal/domain/ports"
	"github.com/okian/dropspot/pkg/logger"
	"go.opentelemetry.io/otel/trace"
)

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for state transitions and faults.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMaxAttempts bounds how many times a join is attempted when the store
// reports a conflict it cannot resolve.
func WithMaxAttempts(n uint) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the initial delay between join attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// WithClock sets the clock used for created_at/updated_at stamps.
func WithClock(clock ports.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDGenerator replaces the entry id source.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithTracer sets the tracer for join/leave spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}
