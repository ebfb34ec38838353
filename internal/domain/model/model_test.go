package model_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	model "github.com/okian/dropspot/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestResourceWindow(t *testing.T) {
	convey.Convey("Given a resource with a claim window", t, func() {
		start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		end := start.Add(time.Hour)
		r := model.Resource{ID: "drop-1", Capacity: 2, ClaimWindowStart: start, ClaimWindowEnd: end}

		convey.Convey("Then both boundaries are inside the window", func() {
			convey.So(r.WindowOpen(start), convey.ShouldBeTrue)
			convey.So(r.WindowOpen(end), convey.ShouldBeTrue)
			convey.So(r.WindowOpen(start.Add(30*time.Minute)), convey.ShouldBeTrue)
		})

		convey.Convey("Then instants outside the window are rejected", func() {
			convey.So(r.WindowOpen(start.Add(-time.Nanosecond)), convey.ShouldBeFalse)
			convey.So(r.WindowOpen(end.Add(time.Nanosecond)), convey.ShouldBeFalse)
		})
	})
}

func TestEntryTransition(t *testing.T) {
	convey.Convey("Given a claimed entry", t, func() {
		at := time.Now().UTC()
		e := model.Entry{State: model.StateClaimed, ClaimCode: "ABCDEF0123456789", ClaimedAt: &at, ClaimPosition: 2}
		convey.So(e.Claimed(), convey.ShouldBeTrue)

		convey.Convey("When it leaves the claimed state", func() {
			e.Transition(model.StateLeft)

			convey.Convey("Then claim artifacts are cleared", func() {
				convey.So(e.State, convey.ShouldEqual, model.StateLeft)
				convey.So(e.ClaimCode, convey.ShouldBeEmpty)
				convey.So(e.ClaimedAt, convey.ShouldBeNil)
				convey.So(e.ClaimPosition, convey.ShouldEqual, 0)
				convey.So(e.Claimed(), convey.ShouldBeFalse)
			})
		})
	})
}

func TestAdmissionLess(t *testing.T) {
	convey.Convey("Given entries to order", t, func() {
		t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		convey.Convey("Higher score ranks first", func() {
			a := model.Entry{ParticipantID: "a", PriorityScore: 10.5, JoinedAt: t0, State: model.StateJoined}
			b := model.Entry{ParticipantID: "b", PriorityScore: 11.2, JoinedAt: t0, State: model.StateJoined}
			convey.So(model.AdmissionLess(b, a), convey.ShouldBeTrue)
			convey.So(model.AdmissionLess(a, b), convey.ShouldBeFalse)
		})

		convey.Convey("Equal scores rank by earlier joined_at", func() {
			a := model.Entry{ParticipantID: "z", PriorityScore: 10.5, JoinedAt: t0, State: model.StateJoined}
			b := model.Entry{ParticipantID: "a", PriorityScore: 10.5, JoinedAt: t0.Add(time.Millisecond), State: model.StateJoined}
			convey.So(model.AdmissionLess(a, b), convey.ShouldBeTrue)
		})

		convey.Convey("Claimed holders rank ahead of joined entries", func() {
			a := model.Entry{ParticipantID: "a", PriorityScore: 1, JoinedAt: t0, State: model.StateClaimed}
			b := model.Entry{ParticipantID: "b", PriorityScore: 99, JoinedAt: t0, State: model.StateJoined}
			convey.So(model.AdmissionLess(a, b), convey.ShouldBeTrue)
			convey.So(model.RankLess(b, a), convey.ShouldBeTrue)
		})
	})
}

func TestErrorKinds(t *testing.T) {
	convey.Convey("Given a wrapped storage failure", t, func() {
		cause := errors.New("connection reset")
		err := model.WrapKind("waitlist.join", model.ErrStorage, cause)

		convey.Convey("Then it matches both the kind and the cause", func() {
			convey.So(errors.Is(err, model.ErrStorage), convey.ShouldBeTrue)
			convey.So(errors.Is(err, cause), convey.ShouldBeTrue)
			convey.So(err.Error(), convey.ShouldEqual, "waitlist.join: storage error: connection reset")
			convey.So(model.IsUserFacing(err), convey.ShouldBeFalse)
			convey.So(model.KindOf(err), convey.ShouldEqual, "storage")
		})

		convey.Convey("Then further wrapping keeps the kind visible", func() {
			outer := fmt.Errorf("service: %w", err)
			convey.So(errors.Is(outer, model.ErrStorage), convey.ShouldBeTrue)
		})
	})

	convey.Convey("Given user-facing outcomes", t, func() {
		for _, kind := range []error{model.ErrNotEligible, model.ErrWindowInactive, model.ErrCapacityExceeded, model.ErrAlreadyClaimed} {
			convey.So(model.IsUserFacing(model.NewKind("admission.claim", kind)), convey.ShouldBeTrue)
		}
	})

	convey.Convey("Given exhausted conflict retries over an inconsistent store", t, func() {
		err := model.WrapKind("waitlist.join", model.ErrConflictRetryExhausted, model.NewKind("waitlist.reload", model.ErrStorage))
		convey.So(errors.Is(err, model.ErrConflictRetryExhausted), convey.ShouldBeTrue)
		convey.So(errors.Is(err, model.ErrStorage), convey.ShouldBeTrue)
		convey.So(model.KindOf(err), convey.ShouldEqual, "conflict_retry_exhausted")
	})
}
