package repository

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/pkg/metrics"
)

// Treap-based, in-memory EntryStore implementation.
//
// Every resource owns one treap holding its ranked (joined or claimed) entries.
// The BST comparator is model.AdmissionLess, so an in-order traversal yields
// the admission ordering directly. Left entries live only in byKey.

// treap node
type node struct {
	entry model.Entry
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

func insert(n *node, e model.Entry, prio uint64) *node {
	if n == nil {
		return &node{entry: e, prio: prio, size: 1}
	}
	if model.AdmissionLess(e, n.entry) {
		n.left = insert(n.left, e, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, e, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

// deleteNode removes the node holding e. The ordering fields of e must match
// the ones it was inserted with.
func deleteNode(n *node, e model.Entry) *node {
	if n == nil {
		return nil
	}
	if n.entry.Key() == e.Key() {
		// Merge children by rotating highest priority up until leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, e)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, e)
		}
	} else if model.AdmissionLess(e, n.entry) {
		n.left = deleteNode(n.left, e)
	} else {
		n.right = deleteNode(n.right, e)
	}
	fix(n)
	return n
}

// collect appends up to limit entries in admission order. limit <= 0 means all.
func collect(n *node, limit int, out *[]model.Entry) {
	if n == nil || (limit > 0 && len(*out) >= limit) {
		return
	}
	collect(n.left, limit, out)
	if limit <= 0 || len(*out) < limit {
		*out = append(*out, n.entry)
	}
	collect(n.right, limit, out)
}

// rank returns the 1-based in-order position of e, or 0 when absent.
func rank(n *node, e model.Entry) int {
	pos := 0
	for n != nil {
		switch {
		case n.entry.Key() == e.Key():
			return pos + nsize(n.left) + 1
		case model.AdmissionLess(e, n.entry):
			n = n.left
		default:
			pos += nsize(n.left) + 1
			n = n.right
		}
	}
	return 0
}

// TreapStore keeps entries in memory. It is safe for concurrent use.
type TreapStore struct {
	mu      sync.RWMutex
	byKey   map[model.Key]model.Entry
	ranked  map[string]*node // resource id -> treap of ranked entries
	claimed map[string]int   // resource id -> claimed count
	seen    map[string]struct{}

	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTreapStore constructs a treap store with configuration options. The
// background metrics updater stops when ctx is done or Close is called.
func NewTreapStore(ctx context.Context, opts ...Option) *TreapStore {
	s := &TreapStore{
		byKey:                 make(map[model.Key]model.Entry),
		ranked:                make(map[string]*node),
		claimed:               make(map[string]int),
		seen:                  make(map[string]struct{}),
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background goroutine.
func (s *TreapStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

// Find returns the entry for the pair.
func (s *TreapStore) Find(ctx context.Context, participantID, resourceID string) (model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, fmt.Errorf("treap find: %w", err)
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("find", metrics.SinceMs(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[model.Key{ParticipantID: participantID, ResourceID: resourceID}]
	if !ok {
		return model.Entry{}, model.ErrEntryNotFound
	}
	return e, nil
}

// Create inserts a new entry in O(log n) expected time.
func (s *TreapStore) Create(ctx context.Context, e model.Entry) (model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, fmt.Errorf("treap create: %w", err)
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("create", metrics.SinceMs(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[e.Key()]; ok {
		return model.Entry{}, model.ErrEntryConflict
	}
	s.put(e)
	return e, nil
}

// Update overwrites an existing entry, re-positioning it in its treap.
func (s *TreapStore) Update(ctx context.Context, e model.Entry) (model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, fmt.Errorf("treap update: %w", err)
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("update", metrics.SinceMs(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byKey[e.Key()]
	if !ok {
		return model.Entry{}, model.ErrEntryNotFound
	}
	s.remove(old)
	s.put(e)
	return e, nil
}

// ListJoinedOrdered returns the ranked entries of a resource in admission order.
func (s *TreapStore) ListJoinedOrdered(ctx context.Context, resourceID string) ([]model.Entry, error) {
	return s.TopN(ctx, resourceID, 0)
}

// TopN returns at most n ranked entries of a resource. n <= 0 returns all.
func (s *TreapStore) TopN(ctx context.Context, resourceID string, n int) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("treap list: %w", err)
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("list", metrics.SinceMs(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	root := s.ranked[resourceID]
	size := nsize(root)
	if n > 0 && n < size {
		size = n
	}
	out := make([]model.Entry, 0, size)
	collect(root, n, &out)
	return out, nil
}

// Position returns the 1-based admission position of the pair, or 0 when the
// entry is missing or not ranked. O(log n) expected.
func (s *TreapStore) Position(ctx context.Context, participantID, resourceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("treap position: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[model.Key{ParticipantID: participantID, ResourceID: resourceID}]
	if !ok || !e.State.Ranked() {
		return 0, nil
	}
	return rank(s.ranked[resourceID], e), nil
}

// Count returns the number of entries in any state.
func (s *TreapStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// put stores e and, when ranked, inserts it into its resource's treap (assumes lock is held).
func (s *TreapStore) put(e model.Entry) {
	s.byKey[e.Key()] = e
	if !e.State.Ranked() {
		return
	}
	s.seen[e.ResourceID] = struct{}{}
	s.ranked[e.ResourceID] = insert(s.ranked[e.ResourceID], e, rand.Uint64())
	if e.State == model.StateClaimed {
		s.claimed[e.ResourceID]++
	}
}

// remove drops e from its treap (assumes lock is held).
func (s *TreapStore) remove(e model.Entry) {
	if !e.State.Ranked() {
		return
	}
	root := deleteNode(s.ranked[e.ResourceID], e)
	if root == nil {
		delete(s.ranked, e.ResourceID)
	} else {
		s.ranked[e.ResourceID] = root
	}
	if e.State == model.StateClaimed {
		s.claimed[e.ResourceID]--
	}
}

// startMetricsUpdater starts a background goroutine that publishes per-resource gauges.
func (s *TreapStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *TreapStore) updateMetrics() {
	for rid, c := range s.resourceCounts() {
		metrics.UpdateResourceEntries(rid, c.ranked, c.claimed)
	}
}

type resourceCount struct {
	ranked  int
	claimed int
}

// resourceCounts covers every resource that ever held a ranked entry, so a
// resource whose last entry left reports zeros.
func (s *TreapStore) resourceCounts() map[string]resourceCount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]resourceCount, len(s.seen))
	for rid := range s.seen {
		out[rid] = resourceCount{ranked: nsize(s.ranked[rid]), claimed: s.claimed[rid]}
	}
	return out
}
