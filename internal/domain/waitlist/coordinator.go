// Package waitlist manages the join/leave lifecycle of waitlist entries.
//
// Join is idempotent: repeated or concurrent joins for the same pair converge
// on one entry, relying on the store's uniqueness guarantee rather than a lock.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/internal/domain/ports"
	"github.com/okian/dropspot/internal/domain/scoring"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 5 * time.Millisecond
	maxRetryBackoff     = 100 * time.Millisecond
	tracerName          = "github.com/okian/dropspot/internal/domain/waitlist"
)

// Scorer computes priority scores.
type Scorer interface {
	Score(in scoring.Input) float64
}

// Coordinator performs join and leave against an EntryStore.
type Coordinator struct {
	store        ports.EntryStore
	scorer       Scorer
	clock        ports.Clock
	newID        func() string
	maxAttempts  uint
	retryBackoff time.Duration
	log          logger.Logger
	tracer       trace.Tracer
}

// New creates a coordinator.
func New(store ports.EntryStore, scorer Scorer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		scorer:       scorer,
		clock:        model.SystemClock,
		newID:        uuid.NewString,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		log:          logger.Nop(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type joinResult struct {
	entry   model.Entry
	created bool
	outcome string
}

// Join places the participant on the resource's waitlist. created reports
// whether a new entry was inserted.
func (c *Coordinator) Join(ctx context.Context, p model.Participant, r model.Resource, now time.Time) (model.Entry, bool, error) {
	const op = "waitlist.join"
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("participant.id", p.ID),
		attribute.String("resource.id", r.ID),
	))
	defer span.End()

	now = model.NormalizeTime(now)
	attempt := func() (joinResult, error) {
		return c.tryJoin(ctx, p, r, now)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBackoff
	bo.MaxInterval = maxRetryBackoff
	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn(ctx, "join conflict unresolved, retrying",
				logger.String("participant_id", p.ID),
				logger.String("resource_id", r.ID),
				logger.Duration("backoff", next),
				logger.Error(err),
			)
		}),
	)
	if err != nil {
		err = c.classify(op, err)
		c.fail(ctx, span, "join", err, p.ID, r.ID)
		return model.Entry{}, false, err
	}

	outcome := res.outcome
	metrics.RecordJoin(outcome)
	span.SetAttributes(attribute.String("join.outcome", outcome), attribute.Float64("entry.score", res.entry.PriorityScore))
	c.log.Debug(ctx, "join",
		logger.String("participant_id", p.ID),
		logger.String("resource_id", r.ID),
		logger.String("outcome", outcome),
		logger.Float64("score", res.entry.PriorityScore),
	)
	return res.entry, res.created, nil
}

// tryJoin is one join attempt. Every failure except errInconsistent is permanent.
func (c *Coordinator) tryJoin(ctx context.Context, p model.Participant, r model.Resource, now time.Time) (joinResult, error) {
	existing, err := c.store.Find(ctx, p.ID, r.ID)
	switch {
	case err == nil:
		return c.applyExisting(ctx, existing, p, r, now)
	case !errors.Is(err, model.ErrEntryNotFound):
		return joinResult{}, backoff.Permanent(err)
	}

	entry := model.Entry{
		ID:            c.newID(),
		ParticipantID: p.ID,
		ResourceID:    r.ID,
		PriorityScore: c.score(p, r, now),
		JoinedAt:      now,
		State:         model.StateJoined,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := c.store.Create(ctx, entry)
	if err == nil {
		metrics.RecordScore(created.PriorityScore)
		return joinResult{entry: created, created: true, outcome: "created"}, nil
	}
	if !errors.Is(err, model.ErrEntryConflict) {
		return joinResult{}, backoff.Permanent(err)
	}

	// Lost the create race: the winner's entry is authoritative.
	metrics.RecordJoinConflict()
	existing, err = c.store.Find(ctx, p.ID, r.ID)
	switch {
	case err == nil:
		return c.applyExisting(ctx, existing, p, r, now)
	case errors.Is(err, model.ErrEntryNotFound):
		return joinResult{}, errInconsistent
	default:
		return joinResult{}, backoff.Permanent(err)
	}
}

// applyExisting resolves a join against an entry that already exists.
func (c *Coordinator) applyExisting(ctx context.Context, e model.Entry, p model.Participant, r model.Resource, now time.Time) (joinResult, error) {
	switch e.State {
	case model.StateJoined:
		return joinResult{entry: e, outcome: "idempotent"}, nil
	case model.StateClaimed:
		return joinResult{}, backoff.Permanent(model.NewKind("waitlist.join", model.ErrAlreadyClaimed))
	}

	e.PriorityScore = c.score(p, r, now)
	e.JoinedAt = now
	e.UpdatedAt = now
	e.Transition(model.StateJoined)
	updated, err := c.store.Update(ctx, e)
	if err != nil {
		return joinResult{}, backoff.Permanent(err)
	}
	metrics.RecordScore(updated.PriorityScore)
	return joinResult{entry: updated, outcome: "rejoined"}, nil
}

// Leave removes the participant from the ordering. A missing entry yields
// (nil, nil) and an entry that already left is returned unchanged.
func (c *Coordinator) Leave(ctx context.Context, participantID, resourceID string) (*model.Entry, error) {
	const op = "waitlist.leave"
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("participant.id", participantID),
		attribute.String("resource.id", resourceID),
	))
	defer span.End()

	e, err := c.store.Find(ctx, participantID, resourceID)
	if err != nil {
		if errors.Is(err, model.ErrEntryNotFound) {
			metrics.RecordLeave("absent")
			return nil, nil
		}
		err = model.WrapKind(op, model.ErrStorage, err)
		c.fail(ctx, span, "leave", err, participantID, resourceID)
		return nil, err
	}
	if e.State == model.StateLeft {
		metrics.RecordLeave("idempotent")
		return &e, nil
	}

	wasClaimed := e.State == model.StateClaimed
	e.Transition(model.StateLeft)
	e.UpdatedAt = model.NormalizeTime(c.clock.Now())
	updated, err := c.store.Update(ctx, e)
	if err != nil {
		err = model.WrapKind(op, model.ErrStorage, err)
		c.fail(ctx, span, "leave", err, participantID, resourceID)
		return nil, err
	}

	metrics.RecordLeave("left")
	c.log.Debug(ctx, "leave",
		logger.String("participant_id", participantID),
		logger.String("resource_id", resourceID),
		logger.Bool("forfeited_claim", wasClaimed),
	)
	return &updated, nil
}

func (c *Coordinator) score(p model.Participant, r model.Resource, now time.Time) float64 {
	return c.scorer.Score(scoring.Input{
		ParticipantID:        p.ID,
		ResourceID:           r.ID,
		ParticipantCreatedAt: p.CreatedAt,
		ResourceCapacity:     r.Capacity,
		JoinedAt:             now,
	})
}

// classify maps a failed join to its error kind.
func (c *Coordinator) classify(op string, err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	var kinded *model.Error
	switch {
	case errors.Is(err, errInconsistent):
		return model.WrapKind(op, model.ErrConflictRetryExhausted,
			fmt.Errorf("%w after %d attempts: %w", model.ErrStorage, c.maxAttempts, err))
	case errors.As(err, &kinded):
		return err
	default:
		return model.WrapKind(op, model.ErrStorage, err)
	}
}

func (c *Coordinator) fail(ctx context.Context, span trace.Span, action string, err error, participantID, resourceID string) {
	kind := model.KindOf(err)
	span.RecordError(err)
	if !model.IsUserFacing(err) {
		span.SetStatus(codes.Error, kind)
		metrics.RecordErrorByComponent("waitlist", kind)
		c.log.Error(ctx, action+" failed",
			logger.String("participant_id", participantID),
			logger.String("resource_id", resourceID),
			logger.Error(err),
		)
	}
	if action == "join" {
		metrics.RecordJoin(kind)
	} else {
		metrics.RecordLeave(kind)
	}
}
