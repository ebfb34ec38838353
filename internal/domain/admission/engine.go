// Package admission resolves claims against the waitlist ordering.
//
// Every claim re-reads the ordering for its resource inside a per-resource
// critical section, so the capacity gate holds no matter how many claims race.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/okian/dropspot/internal/domain/claimcode"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/internal/domain/ports"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/okian/dropspot/internal/domain/admission"

// Engine performs claims.
type Engine struct {
	store      ports.EntryStore
	serializer ports.Serializer
	log        logger.Logger
	tracer     trace.Tracer
}

// New creates an engine. serializer must order claims per resource id.
func New(store ports.EntryStore, serializer ports.Serializer, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		serializer: serializer,
		log:        logger.Nop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type claimResult struct {
	entry    model.Entry
	position int
	replay   bool
}

// Claim admits the participant if its slot in the admission ordering is
// within the resource's capacity while the claim window is open. The returned
// position is the score rank at admission and is stored with the claim, so a
// repeated claim by a holder returns the same entry and position.
func (e *Engine) Claim(ctx context.Context, participantID string, r model.Resource, now time.Time) (model.Entry, int, error) {
	const op = "admission.claim"
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("participant.id", participantID),
		attribute.String("resource.id", r.ID),
	))
	defer span.End()
	defer func() { metrics.RecordClaimLatency(metrics.SinceMs(start)) }()

	now = model.NormalizeTime(now)
	if !r.WindowOpen(now) {
		err := model.NewKind(op, model.ErrWindowInactive)
		e.fail(ctx, span, err, participantID, r.ID)
		return model.Entry{}, 0, err
	}

	var res claimResult
	err := e.serializer.Do(ctx, r.ID, func(ctx context.Context) error {
		var err error
		res, err = e.resolve(ctx, op, participantID, r, now)
		return err
	})
	if err != nil {
		var kinded *model.Error
		if !errors.As(err, &kinded) {
			err = model.WrapKind(op, model.ErrStorage, err)
		}
		e.fail(ctx, span, err, participantID, r.ID)
		return model.Entry{}, 0, err
	}

	outcome := "claimed"
	if res.replay {
		outcome = "replay"
	}
	metrics.RecordClaim(outcome)
	metrics.RecordClaimPosition(res.position)
	span.SetAttributes(
		attribute.String("claim.outcome", outcome),
		attribute.Int("claim.position", res.position),
	)
	e.log.Debug(ctx, "claim",
		logger.String("participant_id", participantID),
		logger.String("resource_id", r.ID),
		logger.String("outcome", outcome),
		logger.Int("position", res.position),
	)
	return res.entry, res.position, nil
}

// resolve runs the eligibility, ranking and capacity gates. It must only be
// called while holding the resource's serializer slot.
func (e *Engine) resolve(ctx context.Context, op, participantID string, r model.Resource, now time.Time) (claimResult, error) {
	entry, err := e.store.Find(ctx, participantID, r.ID)
	switch {
	case errors.Is(err, model.ErrEntryNotFound):
		return claimResult{}, model.NewKind(op, model.ErrNotEligible)
	case err != nil:
		return claimResult{}, model.WrapKind(op, model.ErrStorage, err)
	case !entry.State.Ranked():
		return claimResult{}, model.NewKind(op, model.ErrNotEligible)
	}

	if entry.Claimed() && entry.ClaimPosition > 0 {
		return claimResult{entry: entry, position: entry.ClaimPosition, replay: true}, nil
	}

	ordered, err := e.store.ListJoinedOrdered(ctx, r.ID)
	if err != nil {
		return claimResult{}, model.WrapKind(op, model.ErrStorage, err)
	}
	slot := Position(ordered, participantID)
	if slot == 0 {
		// Left between the lookup and the listing.
		return claimResult{}, model.NewKind(op, model.ErrNotEligible)
	}
	if slot > r.Capacity {
		return claimResult{}, model.NewKind(op, model.ErrCapacityExceeded)
	}
	if entry.Claimed() {
		// Claims stored without a position replay at their slot.
		return claimResult{entry: entry, position: slot, replay: true}, nil
	}

	entry.Transition(model.StateClaimed)
	entry.ClaimCode = claimcode.ForEntry(entry)
	entry.ClaimedAt = &now
	entry.ClaimPosition = Rank(ordered, ordered[slot-1])
	entry.UpdatedAt = now
	updated, err := e.store.Update(ctx, entry)
	if err != nil {
		return claimResult{}, model.WrapKind(op, model.ErrStorage, err)
	}
	return claimResult{entry: updated, position: updated.ClaimPosition}, nil
}

// Position returns the 1-based index of participantID in ordered, or 0.
// Holders sort first, so this is the slot the capacity gate checks.
func Position(ordered []model.Entry, participantID string) int {
	for i, e := range ordered {
		if e.ParticipantID == participantID {
			return i + 1
		}
	}
	return 0
}

// Rank returns the 1-based score rank of e among ordered, ignoring claim
// state. For a joined entry it never exceeds e's Position.
func Rank(ordered []model.Entry, e model.Entry) int {
	rank := 1
	for _, o := range ordered {
		if model.RankLess(o, e) {
			rank++
		}
	}
	return rank
}

func (e *Engine) fail(ctx context.Context, span trace.Span, err error, participantID, resourceID string) {
	kind := model.KindOf(err)
	span.RecordError(err)
	metrics.RecordClaim(kind)
	if model.IsUserFacing(err) {
		e.log.Debug(ctx, "claim rejected",
			logger.String("participant_id", participantID),
			logger.String("resource_id", resourceID),
			logger.String("reason", kind),
		)
		return
	}
	span.SetStatus(codes.Error, kind)
	metrics.RecordErrorByComponent("admission", kind)
	e.log.Error(ctx, "claim failed",
		logger.String("participant_id", participantID),
		logger.String("resource_id", resourceID),
		logger.Error(err),
	)
}
