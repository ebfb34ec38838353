// Package service wires the waitlist and admission components behind the
// operations the HTTP API exposes.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okian/dropspot/internal/adapters/lock"
	"github.com/okian/dropspot/internal/adapters/repository"
	"github.com/okian/dropspot/internal/domain/admission"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/internal/domain/ports"
	"github.com/okian/dropspot/internal/domain/scoring"
	"github.com/okian/dropspot/internal/domain/types"
	"github.com/okian/dropspot/internal/domain/waitlist"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
)

const (
	defaultSeed         = "5d75cfcdfd3f"
	defaultStoreTimeout = 2 * time.Second
)

// ErrNotStarted is returned by operations invoked before Start.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the drop waitlist.
type Service struct {
	mu sync.RWMutex

	store      ports.EntryStore
	directory  ports.Directory
	serializer ports.Serializer
	clock      ports.Clock

	coordinator *waitlist.Coordinator
	engine      *admission.Engine

	seed             string
	storeTimeout     time.Duration
	joinMaxAttempts  uint
	joinRetryBackoff time.Duration
	serializerMode   string

	started   bool
	startedAt time.Time

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the entry store. Defaults to an in-memory treap store.
func WithStore(store ports.EntryStore) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithDirectory sets the resource and participant directory.
func WithDirectory(d ports.Directory) Option {
	return func(s *Service) {
		if d != nil {
			s.directory = d
		}
	}
}

// WithSerializer sets the per-drop claim serializer and the mode name reported in stats.
func WithSerializer(mode string, ser ports.Serializer) Option {
	return func(s *Service) {
		if ser != nil {
			s.serializer = ser
			s.serializerMode = mode
		}
	}
}

// WithClock sets the clock used to stamp joins and claims.
func WithClock(c ports.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSeed sets the scoring seed.
func WithSeed(seed string) Option {
	return func(s *Service) {
		s.seed = seed
	}
}

// WithStoreTimeout bounds every operation's store work.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithJoinRetry configures the bounded join conflict recovery.
func WithJoinRetry(maxAttempts uint, backoff time.Duration) Option {
	return func(s *Service) {
		s.joinMaxAttempts = maxAttempts
		s.joinRetryBackoff = backoff
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		seed:         defaultSeed,
		storeTimeout: defaultStoreTimeout,
		clock:        model.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start fills in defaults for unset collaborators and builds the domain components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}

	scorer, err := scoring.New(s.seed)
	if err != nil {
		return err
	}
	if s.store == nil {
		s.store = repository.NewTreapStore(ctx)
		s.logger.Info(ctx, "using treap store")
	}
	if s.directory == nil {
		s.directory = repository.NewMemoryDirectory()
	}
	if s.serializer == nil {
		s.serializer = lock.NewKeyed()
		s.serializerMode = "mutex"
	}

	s.coordinator = waitlist.New(s.store, scorer,
		waitlist.WithLogger(s.logger.Named("waitlist")),
		waitlist.WithClock(s.clock),
		waitlist.WithMaxAttempts(s.joinMaxAttempts),
		waitlist.WithRetryBackoff(s.joinRetryBackoff),
	)
	s.engine = admission.New(s.store, s.serializer, admission.WithLogger(s.logger.Named("admission")))

	s.started = true
	s.startedAt = s.clock.Now()
	coeff := scorer.Coefficients()
	s.logger.Info(ctx, "drop service started",
		logger.String("serialization", s.serializerMode),
		logger.Duration("store_timeout", s.storeTimeout),
		logger.Any("coefficients", []int64{coeff.A, coeff.B, coeff.C}),
	)
	return nil
}

// Stop releases the store and serializer when they own resources.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping drop service...")

	if sd, ok := s.serializer.(interface{ Shutdown(context.Context) error }); ok {
		if err := sd.Shutdown(ctx); err != nil {
			s.logger.Error(ctx, "serializer shutdown failed", logger.Error(err))
		}
	}
	if c, ok := s.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			s.logger.Error(ctx, "store close failed", logger.Error(err))
		}
	}

	s.started = false
	s.logger.Info(ctx, "drop service stopped")
}

// Join places the participant on the drop's waitlist. created reports whether
// a new entry was inserted.
func (s *Service) Join(ctx context.Context, participantID, dropID string) (types.Entry, bool, error) {
	const op = "service.join"
	if err := s.ready(); err != nil {
		return types.Entry{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	r, err := s.activeResource(ctx, op, dropID)
	if err != nil {
		return types.Entry{}, false, err
	}
	p, err := s.directory.Participant(ctx, participantID)
	if err != nil {
		return types.Entry{}, false, directoryError(op, model.ErrParticipantNotFound, err)
	}

	e, created, err := s.coordinator.Join(ctx, p, r, s.clock.Now())
	if err != nil {
		return types.Entry{}, false, err
	}
	return types.FromEntry(e, 0), created, nil
}

// Leave removes the participant from the drop's waitlist. A nil entry means
// the participant never joined.
func (s *Service) Leave(ctx context.Context, participantID, dropID string) (*types.Entry, error) {
	const op = "service.leave"
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if _, err := s.activeResource(ctx, op, dropID); err != nil {
		return nil, err
	}
	e, err := s.coordinator.Leave(ctx, participantID, dropID)
	if err != nil || e == nil {
		return nil, err
	}
	v := types.FromEntry(*e, 0)
	return &v, nil
}

// Claim attempts to admit the participant to the drop.
func (s *Service) Claim(ctx context.Context, participantID, dropID string) (types.Entry, error) {
	const op = "service.claim"
	if err := s.ready(); err != nil {
		return types.Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	r, err := s.activeResource(ctx, op, dropID)
	if err != nil {
		return types.Entry{}, err
	}
	e, pos, err := s.engine.Claim(ctx, participantID, r, s.clock.Now())
	if err != nil {
		return types.Entry{}, err
	}
	return types.FromEntry(e, pos), nil
}

// Entry returns the participant's entry with its current position.
// A missing entry yields model.ErrEntryNotFound.
func (s *Service) Entry(ctx context.Context, participantID, dropID string) (types.Entry, error) {
	const op = "service.entry"
	if err := s.ready(); err != nil {
		return types.Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	e, err := s.store.Find(ctx, participantID, dropID)
	switch {
	case errors.Is(err, model.ErrEntryNotFound):
		return types.Entry{}, model.NewKind(op, model.ErrEntryNotFound)
	case err != nil:
		return types.Entry{}, model.WrapKind(op, model.ErrStorage, err)
	}
	pos := 0
	if e.State.Ranked() {
		ordered, err := s.store.ListJoinedOrdered(ctx, dropID)
		if err != nil {
			return types.Entry{}, model.WrapKind(op, model.ErrStorage, err)
		}
		pos = admission.Position(ordered, participantID)
	}
	return types.FromEntry(e, pos), nil
}

// Standings returns up to limit rows of the drop's admission ordering.
// limit <= 0 returns all rows.
func (s *Service) Standings(ctx context.Context, dropID string, limit int) ([]types.Standing, error) {
	const op = "service.standings"
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if _, err := s.resource(ctx, op, dropID); err != nil {
		return nil, err
	}
	ordered, err := s.store.ListJoinedOrdered(ctx, dropID)
	if err != nil {
		return nil, model.WrapKind(op, model.ErrStorage, err)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return types.Standings(ordered), nil
}

// ResourceLister lists the drops that accept joins.
type ResourceLister interface {
	ActiveResources(ctx context.Context) ([]model.Resource, error)
}

// Drops lists active drops when the directory supports listing.
func (s *Service) Drops(ctx context.Context) ([]types.Drop, error) {
	const op = "service.drops"
	if err := s.ready(); err != nil {
		return nil, err
	}
	lister, ok := s.directory.(ResourceLister)
	if !ok {
		return []types.Drop{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	resources, err := lister.ActiveResources(ctx)
	if err != nil {
		return nil, model.WrapKind(op, model.ErrStorage, err)
	}
	out := make([]types.Drop, 0, len(resources))
	for _, r := range resources {
		out = append(out, types.FromResource(r))
	}
	return out, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":       s.started,
		"serialization": s.serializerMode,
	}
	if !s.started {
		return stats
	}
	stats["uptimeSeconds"] = int64(s.clock.Now().Sub(s.startedAt).Seconds())

	if c, ok := s.store.(interface{ Count(context.Context) int }); ok {
		stats["totalEntries"] = c.Count(ctx)
	}
	switch q := s.serializer.(type) {
	case interface{ Len(context.Context) int }:
		n := q.Len(ctx)
		stats["claimQueueLength"] = n
		metrics.UpdateClaimQueueSize(n)
	case interface{ Len() int }:
		stats["heldLocks"] = q.Len()
	}
	return stats
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Service) resource(ctx context.Context, op, id string) (model.Resource, error) {
	r, err := s.directory.Resource(ctx, id)
	if err != nil {
		return model.Resource{}, directoryError(op, model.ErrResourceNotFound, err)
	}
	return r, nil
}

// activeResource rejects unknown and deactivated drops alike.
func (s *Service) activeResource(ctx context.Context, op, id string) (model.Resource, error) {
	r, err := s.resource(ctx, op, id)
	if err != nil {
		return model.Resource{}, err
	}
	if !r.Active {
		return model.Resource{}, model.NewKind(op, model.ErrResourceNotFound)
	}
	return r, nil
}

func directoryError(op string, notFound, err error) error {
	if errors.Is(err, notFound) {
		return model.NewKind(op, notFound)
	}
	return model.WrapKind(op, model.ErrStorage, err)
}
