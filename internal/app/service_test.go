package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/dropspot/internal/adapters/mq/worker"
	"github.com/okian/dropspot/internal/adapters/repository"
	service "github.com/okian/dropspot/internal/app"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

var (
	accountCreated = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	joinBase       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// manualClock is advanced by the test between operations.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newDirectory(ctx context.Context) *repository.MemoryDirectory {
	d := repository.NewMemoryDirectory()
	for _, r := range []model.Resource{
		{ID: "drop-42", Capacity: 2, ClaimWindowStart: joinBase.Add(time.Minute), ClaimWindowEnd: joinBase.Add(time.Hour), Active: true},
		{ID: "drop-retired", Capacity: 5, ClaimWindowStart: joinBase, ClaimWindowEnd: joinBase.Add(time.Hour)},
	} {
		if err := d.PutResource(ctx, r); err != nil {
			panic(err)
		}
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := d.PutParticipant(ctx, model.Participant{ID: id, CreatedAt: accountCreated}); err != nil {
			panic(err)
		}
	}
	return d
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		ctx := context.Background()
		svc := service.New()

		Convey("When an operation runs before Start", func() {
			_, _, err := svc.Join(ctx, "alice", "drop-42")

			Convey("Then it is rejected", func() {
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
				So(svc.GetStats()["started"], ShouldEqual, false)
			})
		})

		Convey("When starting and stopping it", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			stats := svc.GetStats()
			svc.Stop(ctx)

			Convey("Then stats reflect each phase", func() {
				So(stats["started"], ShouldEqual, true)
				So(stats["serialization"], ShouldEqual, "mutex")
				So(stats["totalEntries"], ShouldEqual, 0)
				So(svc.GetStats()["started"], ShouldEqual, false)
			})
		})
	})

	Convey("Given a service with a bad seed", t, func() {
		svc := service.New(service.WithSeed("xyz"))

		Convey("Then Start fails with an invalid seed", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, model.ErrInvalidSeed), ShouldBeTrue)
		})
	})
}

func TestService_Flow(t *testing.T) {
	Convey("Given a started service over fixtures", t, func() {
		ctx := context.Background()
		clock := &manualClock{now: joinBase}
		pool := worker.NewPool(worker.WithShards(2))
		pool.Start(ctx)
		svc := service.New(
			service.WithDirectory(newDirectory(ctx)),
			service.WithSerializer("queue", pool),
			service.WithClock(clock),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		Convey("When alice, bob and carol join", func() {
			a, created, err := svc.Join(ctx, "alice", "drop-42")
			So(err, ShouldBeNil)
			So(created, ShouldBeTrue)
			clock.Set(joinBase.Add(1500 * time.Millisecond))
			_, _, err = svc.Join(ctx, "bob", "drop-42")
			So(err, ShouldBeNil)
			clock.Set(joinBase.Add(3250 * time.Millisecond))
			_, _, err = svc.Join(ctx, "carol", "drop-42")
			So(err, ShouldBeNil)

			Convey("Then the join returns the scored entry", func() {
				So(a.PriorityScore, ShouldAlmostEqual, 20.151, 1e-9)
				So(a.State, ShouldEqual, "joined")
			})

			Convey("And the standings list bob, alice, carol", func() {
				rows, err := svc.Standings(ctx, "drop-42", 0)
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 3)
				So(rows[0].ParticipantID, ShouldEqual, "bob")
				So(rows[1].ParticipantID, ShouldEqual, "alice")
				So(rows[2].ParticipantID, ShouldEqual, "carol")

				top, err := svc.Standings(ctx, "drop-42", 1)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 1)
			})

			Convey("And the entry read reports the current position", func() {
				e, err := svc.Entry(ctx, "carol", "drop-42")
				So(err, ShouldBeNil)
				So(e.Position, ShouldEqual, 3)
			})

			Convey("And claims inside the window admit the top two only", func() {
				clock.Set(joinBase.Add(2 * time.Minute))
				e, err := svc.Claim(ctx, "alice", "drop-42")
				So(err, ShouldBeNil)
				So(e.ClaimCode, ShouldEqual, "BD25F53E10115808")
				So(e.Position, ShouldEqual, 2)

				_, err = svc.Claim(ctx, "carol", "drop-42")
				So(errors.Is(err, model.ErrCapacityExceeded), ShouldBeTrue)

				stats := svc.GetStats()
				So(stats["serialization"], ShouldEqual, "queue")
				So(stats["totalEntries"], ShouldEqual, 3)
				So(stats, ShouldContainKey, "claimQueueLength")
			})

			Convey("And a claim before the window opens is rejected", func() {
				_, err := svc.Claim(ctx, "alice", "drop-42")
				So(errors.Is(err, model.ErrWindowInactive), ShouldBeTrue)
			})

			Convey("And leaving twice returns the left entry both times", func() {
				first, err := svc.Leave(ctx, "bob", "drop-42")
				So(err, ShouldBeNil)
				second, err := svc.Leave(ctx, "bob", "drop-42")
				So(err, ShouldBeNil)
				So(first.State, ShouldEqual, "left")
				So(*second, ShouldResemble, *first)

				e, err := svc.Entry(ctx, "bob", "drop-42")
				So(err, ShouldBeNil)
				So(e.Position, ShouldEqual, 0)
			})
		})

		Convey("When the drop is unknown or retired", func() {
			_, _, errUnknown := svc.Join(ctx, "alice", "drop-missing")
			_, _, errRetired := svc.Join(ctx, "alice", "drop-retired")
			_, errLeave := svc.Leave(ctx, "alice", "drop-retired")
			_, errClaim := svc.Claim(ctx, "alice", "drop-missing")
			_, errStandings := svc.Standings(ctx, "drop-missing", 10)

			Convey("Then every operation reports resource not found", func() {
				for _, err := range []error{errUnknown, errRetired, errLeave, errClaim, errStandings} {
					So(errors.Is(err, model.ErrResourceNotFound), ShouldBeTrue)
				}
			})
		})

		Convey("When listing drops", func() {
			drops, err := svc.Drops(ctx)

			Convey("Then only active drops are returned", func() {
				So(err, ShouldBeNil)
				So(len(drops), ShouldEqual, 1)
				So(drops[0].ID, ShouldEqual, "drop-42")
			})
		})

		Convey("When an unknown participant joins", func() {
			_, _, err := svc.Join(ctx, "mallory", "drop-42")

			Convey("Then participant not found is reported", func() {
				So(errors.Is(err, model.ErrParticipantNotFound), ShouldBeTrue)
			})
		})

		Convey("When leaving without having joined", func() {
			e, err := svc.Leave(ctx, "alice", "drop-42")

			Convey("Then nothing is returned", func() {
				So(err, ShouldBeNil)
				So(e, ShouldBeNil)
			})
		})

		Convey("When reading an entry that does not exist", func() {
			_, err := svc.Entry(ctx, "alice", "drop-42")

			Convey("Then entry not found is reported", func() {
				So(errors.Is(err, model.ErrEntryNotFound), ShouldBeTrue)
			})
		})
	})
}
