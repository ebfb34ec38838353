package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/okian/dropspot/internal/domain/model"
)

var joinBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEntry(pid, rid string, score float64, offset time.Duration) model.Entry {
	return model.Entry{
		ID:            "id-" + pid + "-" + rid,
		ParticipantID: pid,
		ResourceID:    rid,
		PriorityScore: score,
		JoinedAt:      joinBase.Add(offset),
		State:         model.StateJoined,
		CreatedAt:     joinBase,
		UpdatedAt:     joinBase,
	}
}

func participants(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ParticipantID
	}
	return out
}

func TestTreapStore_BasicOperations(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	if count := store.Count(ctx); count != 0 {
		t.Errorf("expected count 0, got %d", count)
	}

	if _, err := store.Find(ctx, "alice", "drop-1"); !errors.Is(err, model.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	created, err := store.Create(ctx, newEntry("alice", "drop-1", 20.151, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ParticipantID != "alice" {
		t.Errorf("unexpected entry %+v", created)
	}

	got, err := store.Find(ctx, "alice", "drop-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PriorityScore != 20.151 || got.State != model.StateJoined {
		t.Errorf("unexpected entry %+v", got)
	}

	if _, err := store.Create(ctx, newEntry("alice", "drop-1", 1, 0)); !errors.Is(err, model.ErrEntryConflict) {
		t.Fatalf("expected ErrEntryConflict, got %v", err)
	}

	if _, err := store.Update(ctx, newEntry("bob", "drop-1", 1, 0)); !errors.Is(err, model.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound on update, got %v", err)
	}

	if count := store.Count(ctx); count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestTreapStore_Ordering(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	seed := []model.Entry{
		newEntry("carol", "drop-1", 19.289, 3250*time.Millisecond),
		newEntry("alice", "drop-1", 20.151, 0),
		newEntry("bob", "drop-1", 20.709, 1500*time.Millisecond),
		// Same score as alice, joined later.
		newEntry("dave", "drop-1", 20.151, 5*time.Second),
		// Same score and join time as dave, id breaks the tie.
		newEntry("dan", "drop-1", 20.151, 5*time.Second),
		// Another resource must not leak into drop-1.
		newEntry("erin", "drop-2", 99, 0),
	}
	for _, e := range seed {
		if _, err := store.Create(ctx, e); err != nil {
			t.Fatalf("create %s: %v", e.ParticipantID, err)
		}
	}

	list, err := store.ListJoinedOrdered(ctx, "drop-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"bob", "alice", "dan", "dave", "carol"}
	if fmt.Sprint(participants(list)) != fmt.Sprint(want) {
		t.Fatalf("expected order %v, got %v", want, participants(list))
	}

	top, err := store.TopN(ctx, "drop-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(participants(top)) != "[bob alice]" {
		t.Errorf("unexpected top 2 %v", participants(top))
	}

	for i, pid := range want {
		pos, err := store.Position(ctx, pid, "drop-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pos != i+1 {
			t.Errorf("expected %s at %d, got %d", pid, i+1, pos)
		}
	}
}

func TestTreapStore_StateTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	for _, e := range []model.Entry{
		newEntry("alice", "drop-1", 20.151, 0),
		newEntry("bob", "drop-1", 20.709, time.Second),
		newEntry("carol", "drop-1", 30, 2*time.Second),
	} {
		if _, err := store.Create(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// A left entry drops out of the ordering.
	bob, _ := store.Find(ctx, "bob", "drop-1")
	bob.Transition(model.StateLeft)
	if _, err := store.Update(ctx, bob); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ := store.ListJoinedOrdered(ctx, "drop-1")
	if fmt.Sprint(participants(list)) != "[carol alice]" {
		t.Fatalf("unexpected order after leave %v", participants(list))
	}
	if pos, _ := store.Position(ctx, "bob", "drop-1"); pos != 0 {
		t.Errorf("left entry must not have a position, got %d", pos)
	}

	// A claimed holder ranks ahead of higher-scoring joined entries.
	alice, _ := store.Find(ctx, "alice", "drop-1")
	claimedAt := joinBase.Add(time.Hour)
	alice.State = model.StateClaimed
	alice.ClaimCode = "BD25F53E10115808"
	alice.ClaimedAt = &claimedAt
	if _, err := store.Update(ctx, alice); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ = store.ListJoinedOrdered(ctx, "drop-1")
	if fmt.Sprint(participants(list)) != "[alice carol]" {
		t.Fatalf("unexpected order after claim %v", participants(list))
	}

	// Rejoin with a new score re-positions the entry.
	bob.Transition(model.StateJoined)
	bob.PriorityScore = 50
	if _, err := store.Update(ctx, bob); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ = store.ListJoinedOrdered(ctx, "drop-1")
	if fmt.Sprint(participants(list)) != "[alice bob carol]" {
		t.Fatalf("unexpected order after rejoin %v", participants(list))
	}

	got, _ := store.Find(ctx, "alice", "drop-1")
	if got.ClaimCode != "BD25F53E10115808" || got.ClaimedAt == nil {
		t.Errorf("claim artifacts not persisted: %+v", got)
	}
}

func TestTreapStore_RandomizedOrderMatchesSort(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	rng := rand.New(rand.NewSource(42))
	const n = 500
	all := make([]model.Entry, 0, n)
	for i := 0; i < n; i++ {
		e := newEntry(fmt.Sprintf("p%04d", i), "drop-1", float64(rng.Intn(50)), time.Duration(rng.Intn(10))*time.Second)
		if rng.Intn(10) == 0 {
			e.State = model.StateClaimed
			e.ClaimCode = "X"
		}
		all = append(all, e)
		if _, err := store.Create(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// Move a third of them to left.
	ranked := all[:0:0]
	for i, e := range all {
		if i%3 == 0 {
			e.Transition(model.StateLeft)
			if _, err := store.Update(ctx, e); err != nil {
				t.Fatalf("update: %v", err)
			}
			continue
		}
		ranked = append(ranked, e)
	}
	sort.Slice(ranked, func(i, j int) bool { return model.AdmissionLess(ranked[i], ranked[j]) })

	list, err := store.ListJoinedOrdered(ctx, "drop-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != len(ranked) {
		t.Fatalf("expected %d ranked entries, got %d", len(ranked), len(list))
	}
	for i := range ranked {
		if list[i].ParticipantID != ranked[i].ParticipantID {
			t.Fatalf("mismatch at %d: want %s got %s", i, ranked[i].ParticipantID, list[i].ParticipantID)
		}
	}
}

func TestTreapStore_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, newEntry("alice", "drop-1", 1, 0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, model.ErrEntryConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 create and %d conflicts, got %d and %d", workers-1, created, conflicts)
	}
}

func TestTreapStore_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewTreapStore(context.Background())
	defer store.Close()
	cancel()

	if _, err := store.Find(ctx, "alice", "drop-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from Find, got %v", err)
	}
	if _, err := store.Create(ctx, newEntry("alice", "drop-1", 1, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from Create, got %v", err)
	}
	if _, err := store.ListJoinedOrdered(ctx, "drop-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from ListJoinedOrdered, got %v", err)
	}
}

func TestTreapStore_CloseBehavior(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx, WithMetricsUpdateInterval(time.Millisecond))

	if _, err := store.Create(ctx, newEntry("alice", "drop-1", 1, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := store.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	// Operations still work after close; only the metrics goroutine stops.
	if _, err := store.Create(ctx, newEntry("bob", "drop-1", 2, 0)); err != nil {
		t.Fatalf("create after close: %v", err)
	}

	// Multiple closes should not panic
	if err := store.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestTreapStore_ResourceCountsAfterLastLeave(t *testing.T) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	alice := newEntry("alice", "drop-1", 1, 0)
	if _, err := store.Create(ctx, alice); err != nil {
		t.Fatalf("create: %v", err)
	}
	alice.State = model.StateClaimed
	alice.ClaimCode = "X"
	if _, err := store.Update(ctx, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := store.resourceCounts()["drop-1"]; got.ranked != 1 || got.claimed != 1 {
		t.Fatalf("expected 1 ranked and 1 claimed, got %+v", got)
	}

	alice.Transition(model.StateLeft)
	if _, err := store.Update(ctx, alice); err != nil {
		t.Fatalf("leave: %v", err)
	}
	got, ok := store.resourceCounts()["drop-1"]
	if !ok {
		t.Fatal("emptied resource dropped from the published counts")
	}
	if got.ranked != 0 || got.claimed != 0 {
		t.Errorf("expected zero counts after the last leave, got %+v", got)
	}
	store.updateMetrics()
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()

	r := model.Resource{
		ID:               "drop-1",
		Name:             "Drop",
		Capacity:         2,
		ClaimWindowStart: joinBase,
		ClaimWindowEnd:   joinBase.Add(time.Hour),
		Active:           true,
	}
	if err := dir.PutResource(ctx, r); err != nil {
		t.Fatalf("put resource: %v", err)
	}
	if err := dir.PutParticipant(ctx, model.Participant{ID: "alice", CreatedAt: joinBase}); err != nil {
		t.Fatalf("put participant: %v", err)
	}

	got, err := dir.Resource(ctx, "drop-1")
	if err != nil || got.Capacity != 2 {
		t.Fatalf("unexpected resource %+v, %v", got, err)
	}
	if _, err := dir.Resource(ctx, "nope"); !errors.Is(err, model.ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}
	if _, err := dir.Participant(ctx, "nope"); !errors.Is(err, model.ErrParticipantNotFound) {
		t.Errorf("expected ErrParticipantNotFound, got %v", err)
	}
	if active, err := dir.ActiveResources(ctx); err != nil || len(active) != 1 {
		t.Errorf("expected one active resource, got %d (%v)", len(active), err)
	}

	bad := r
	bad.Capacity = 0
	if err := dir.PutResource(ctx, bad); !errors.Is(err, ErrInvalidResource) {
		t.Errorf("expected ErrInvalidResource for zero capacity, got %v", err)
	}
	bad = r
	bad.ClaimWindowEnd = bad.ClaimWindowStart
	if err := dir.PutResource(ctx, bad); !errors.Is(err, ErrInvalidResource) {
		t.Errorf("expected ErrInvalidResource for empty window, got %v", err)
	}
	if err := dir.PutParticipant(ctx, model.Participant{}); !errors.Is(err, ErrInvalidParticipant) {
		t.Errorf("expected ErrInvalidParticipant, got %v", err)
	}
}

func BenchmarkTreapStore_Update(b *testing.B) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	const n = 10_000
	for i := 0; i < n; i++ {
		_, _ = store.Create(ctx, newEntry(fmt.Sprintf("p%05d", i), "drop-1", float64(i%97), 0))
	}

	rng := rand.New(rand.NewSource(1))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e, _ := store.Find(ctx, fmt.Sprintf("p%05d", rng.Intn(n)), "drop-1")
		e.PriorityScore = float64(rng.Intn(97))
		_, _ = store.Update(ctx, e)
	}
}

func BenchmarkTreapStore_ListJoinedOrdered(b *testing.B) {
	ctx := context.Background()
	store := NewTreapStore(ctx)
	defer store.Close()

	for i := 0; i < 1_000; i++ {
		_, _ = store.Create(ctx, newEntry(fmt.Sprintf("p%04d", i), "drop-1", float64(i%97), 0))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.ListJoinedOrdered(ctx, "drop-1")
	}
}
