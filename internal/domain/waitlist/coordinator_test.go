package waitlist_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/dropspot/internal/adapters/repository"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/internal/domain/scoring"
	"github.com/okian/dropspot/internal/domain/waitlist"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sync/errgroup"
)

var (
	accountCreated = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	joinBase       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice          = model.Participant{ID: "alice", CreatedAt: accountCreated}
	drop           = model.Resource{
		ID:               "drop-42",
		Capacity:         2,
		ClaimWindowStart: joinBase,
		ClaimWindowEnd:   joinBase.Add(time.Hour),
		Active:           true,
	}
)

func newScorer() *scoring.PriorityScorer {
	s, err := scoring.New("5d75cfcdfd3f")
	if err != nil {
		panic(err)
	}
	return s
}

// racyStore hides an existing entry from the first Find, the way a
// concurrent joiner's read would miss a row inserted moments later.
type racyStore struct {
	*repository.TreapStore
	hideOnce atomic.Bool
	finds    atomic.Int32
}

func (s *racyStore) Find(ctx context.Context, pid, rid string) (model.Entry, error) {
	s.finds.Add(1)
	if s.hideOnce.CompareAndSwap(true, false) {
		return model.Entry{}, model.ErrEntryNotFound
	}
	return s.TreapStore.Find(ctx, pid, rid)
}

// phantomStore reports a conflict on every create but never finds the entry.
type phantomStore struct {
	*repository.TreapStore
	creates atomic.Int32
}

func (s *phantomStore) Find(context.Context, string, string) (model.Entry, error) {
	return model.Entry{}, model.ErrEntryNotFound
}

func (s *phantomStore) Create(context.Context, model.Entry) (model.Entry, error) {
	s.creates.Add(1)
	return model.Entry{}, model.ErrEntryConflict
}

// brokenStore fails every call.
type brokenStore struct {
	*repository.TreapStore
}

func (brokenStore) Find(context.Context, string, string) (model.Entry, error) {
	return model.Entry{}, errors.New("disk on fire")
}

func TestJoin(t *testing.T) {
	Convey("Given a coordinator over an in-memory store", t, func() {
		ctx := context.Background()
		store := repository.NewTreapStore(ctx)
		defer store.Close()
		c := waitlist.New(store, newScorer(), waitlist.WithRetryBackoff(time.Millisecond))

		Convey("When a participant joins for the first time", func() {
			e, created, err := c.Join(ctx, alice, drop, joinBase)

			Convey("Then a joined entry is created with the reference score", func() {
				So(err, ShouldBeNil)
				So(created, ShouldBeTrue)
				So(e.State, ShouldEqual, model.StateJoined)
				So(e.PriorityScore, ShouldAlmostEqual, 20.151, 1e-9)
				So(e.JoinedAt, ShouldEqual, joinBase)
				So(e.ID, ShouldNotBeEmpty)
				So(e.ClaimCode, ShouldBeEmpty)
			})

			Convey("And joining again returns the same entry unchanged", func() {
				again, created, err := c.Join(ctx, alice, drop, joinBase.Add(time.Minute))
				So(err, ShouldBeNil)
				So(created, ShouldBeFalse)
				So(again, ShouldResemble, e)
			})
		})

		Convey("When a participant who left joins again", func() {
			first, _, err := c.Join(ctx, alice, drop, joinBase)
			So(err, ShouldBeNil)
			_, err = c.Leave(ctx, alice.ID, drop.ID)
			So(err, ShouldBeNil)

			rejoinAt := joinBase.Add(123456 * time.Microsecond)
			e, created, err := c.Join(ctx, alice, drop, rejoinAt)

			Convey("Then the entry is reactivated with a score recomputed at the new time", func() {
				So(err, ShouldBeNil)
				So(created, ShouldBeFalse)
				So(e.ID, ShouldEqual, first.ID)
				So(e.State, ShouldEqual, model.StateJoined)
				So(e.JoinedAt, ShouldEqual, rejoinAt)
				So(e.PriorityScore, ShouldAlmostEqual, 23.986, 1e-9)
			})
		})

		Convey("When the entry already holds a claim", func() {
			e, _, _ := c.Join(ctx, alice, drop, joinBase)
			at := joinBase.Add(time.Minute)
			e.State = model.StateClaimed
			e.ClaimCode = "BD25F53E10115808"
			e.ClaimedAt = &at
			_, err := store.Update(ctx, e)
			So(err, ShouldBeNil)

			_, _, err = c.Join(ctx, alice, drop, joinBase.Add(time.Hour))

			Convey("Then the join is rejected and the claim is untouched", func() {
				So(errors.Is(err, model.ErrAlreadyClaimed), ShouldBeTrue)
				So(model.IsUserFacing(err), ShouldBeTrue)
				got, _ := store.Find(ctx, alice.ID, drop.ID)
				So(got.ClaimCode, ShouldEqual, "BD25F53E10115808")
			})
		})

		Convey("When many requests join the same pair concurrently", func() {
			var (
				g       errgroup.Group
				mu      sync.Mutex
				created int
				ids     = map[string]struct{}{}
			)
			for i := 0; i < 50; i++ {
				g.Go(func() error {
					e, c, err := c.Join(ctx, alice, drop, joinBase)
					if err != nil {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					if c {
						created++
					}
					ids[e.ID] = struct{}{}
					return nil
				})
			}

			Convey("Then exactly one entry exists and every call sees it", func() {
				So(g.Wait(), ShouldBeNil)
				So(created, ShouldEqual, 1)
				So(len(ids), ShouldEqual, 1)
				So(store.Count(ctx), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a store whose first read misses a concurrently created entry", t, func() {
		ctx := context.Background()
		store := &racyStore{TreapStore: repository.NewTreapStore(ctx)}
		defer store.Close()
		c := waitlist.New(store, newScorer())

		winner, _, err := c.Join(ctx, alice, drop, joinBase)
		So(err, ShouldBeNil)
		store.hideOnce.Store(true)

		Convey("When the participant joins again", func() {
			e, created, err := c.Join(ctx, alice, drop, joinBase.Add(time.Second))

			Convey("Then the conflict is recovered by reloading the winner's entry", func() {
				So(err, ShouldBeNil)
				So(created, ShouldBeFalse)
				So(e.ID, ShouldEqual, winner.ID)
				So(e.JoinedAt, ShouldEqual, winner.JoinedAt)
			})
		})
	})

	Convey("Given a store that conflicts but never yields the entry", t, func() {
		ctx := context.Background()
		store := &phantomStore{TreapStore: repository.NewTreapStore(ctx)}
		defer store.Close()
		c := waitlist.New(store, newScorer(),
			waitlist.WithMaxAttempts(3),
			waitlist.WithRetryBackoff(time.Millisecond),
		)

		Convey("When joining", func() {
			_, _, err := c.Join(ctx, alice, drop, joinBase)

			Convey("Then it gives up after the bounded attempts", func() {
				So(errors.Is(err, model.ErrConflictRetryExhausted), ShouldBeTrue)
				So(errors.Is(err, model.ErrStorage), ShouldBeTrue)
				So(model.KindOf(err), ShouldEqual, "conflict_retry_exhausted")
				So(store.creates.Load(), ShouldEqual, 3)
			})
		})
	})

	Convey("Given a failing store", t, func() {
		ctx := context.Background()
		store := brokenStore{TreapStore: repository.NewTreapStore(ctx)}
		defer store.Close()
		c := waitlist.New(store, newScorer())

		Convey("When joining", func() {
			_, _, err := c.Join(ctx, alice, drop, joinBase)

			Convey("Then a storage error is returned without retries", func() {
				So(errors.Is(err, model.ErrStorage), ShouldBeTrue)
				So(errors.Is(err, model.ErrConflictRetryExhausted), ShouldBeFalse)
				So(model.IsUserFacing(err), ShouldBeFalse)
			})
		})

		Convey("When leaving", func() {
			_, err := c.Leave(ctx, alice.ID, drop.ID)

			Convey("Then a storage error is returned", func() {
				So(errors.Is(err, model.ErrStorage), ShouldBeTrue)
			})
		})
	})
}

func TestLeave(t *testing.T) {
	Convey("Given a coordinator over an in-memory store", t, func() {
		ctx := context.Background()
		store := repository.NewTreapStore(ctx)
		defer store.Close()
		leaveAt := joinBase.Add(time.Hour)
		c := waitlist.New(store, newScorer(), waitlist.WithClock(model.FixedClock(leaveAt)))

		Convey("When leaving without an entry", func() {
			e, err := c.Leave(ctx, alice.ID, drop.ID)

			Convey("Then nothing happens", func() {
				So(err, ShouldBeNil)
				So(e, ShouldBeNil)
				So(store.Count(ctx), ShouldEqual, 0)
			})
		})

		Convey("When a joined participant leaves twice", func() {
			_, _, err := c.Join(ctx, alice, drop, joinBase)
			So(err, ShouldBeNil)

			first, err := c.Leave(ctx, alice.ID, drop.ID)
			So(err, ShouldBeNil)
			second, err := c.Leave(ctx, alice.ID, drop.ID)
			So(err, ShouldBeNil)

			Convey("Then both calls observe the same left entry", func() {
				So(first.State, ShouldEqual, model.StateLeft)
				So(first.UpdatedAt, ShouldEqual, leaveAt)
				So(*second, ShouldResemble, *first)
			})

			Convey("And the entry drops out of the ordering", func() {
				list, err := store.ListJoinedOrdered(ctx, drop.ID)
				So(err, ShouldBeNil)
				So(list, ShouldBeEmpty)
			})
		})

		Convey("When a claim holder leaves", func() {
			e, _, _ := c.Join(ctx, alice, drop, joinBase)
			at := joinBase.Add(time.Minute)
			e.State = model.StateClaimed
			e.ClaimCode = "BD25F53E10115808"
			e.ClaimedAt = &at
			_, err := store.Update(ctx, e)
			So(err, ShouldBeNil)

			left, err := c.Leave(ctx, alice.ID, drop.ID)

			Convey("Then the claim artifacts are cleared", func() {
				So(err, ShouldBeNil)
				So(left.State, ShouldEqual, model.StateLeft)
				So(left.ClaimCode, ShouldBeEmpty)
				So(left.ClaimedAt, ShouldBeNil)
			})
		})
	})
}
