// Package model contains domain models passed between layers.
package model

import (
	"math"
	"time"
)

// State is the lifecycle state of a waitlist entry.
type State string

// Entry states.
const (
	StateJoined  State = "joined"
	StateLeft    State = "left"
	StateClaimed State = "claimed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateJoined, StateLeft, StateClaimed:
		return true
	}
	return false
}

// Ranked reports whether an entry in state s holds a place in the admission ordering.
func (s State) Ranked() bool {
	return s == StateJoined || s == StateClaimed
}

// Resource is a capacity-limited, time-boxed drop.
type Resource struct {
	ID               string
	Name             string
	Description      string
	Capacity         int
	ClaimWindowStart time.Time
	ClaimWindowEnd   time.Time
	Active           bool
}

// WindowOpen reports whether now lies inside the claim window. Both ends are inclusive.
func (r Resource) WindowOpen(now time.Time) bool {
	return !now.Before(r.ClaimWindowStart) && !now.After(r.ClaimWindowEnd)
}

// Participant is a user contending for drops.
type Participant struct {
	ID        string
	CreatedAt time.Time
}

// Entry is the per-(participant, resource) waitlist record.
type Entry struct {
	ID            string
	ParticipantID string
	ResourceID    string
	PriorityScore float64
	JoinedAt      time.Time
	State         State
	ClaimCode     string
	ClaimedAt     *time.Time
	// ClaimPosition is the position reported when the claim was issued.
	ClaimPosition int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the composite identity of the entry.
func (e Entry) Key() Key {
	return Key{ParticipantID: e.ParticipantID, ResourceID: e.ResourceID}
}

// Claimed reports whether the entry holds an issued claim.
func (e Entry) Claimed() bool {
	return e.State == StateClaimed && e.ClaimCode != ""
}

// Transition moves the entry to state. Claim artifacts are dropped whenever the
// resulting state is not claimed.
func (e *Entry) Transition(state State) {
	e.State = state
	if state != StateClaimed {
		e.ClaimCode = ""
		e.ClaimedAt = nil
		e.ClaimPosition = 0
	}
}

// Key identifies an entry by participant and resource.
type Key struct {
	ParticipantID string
	ResourceID    string
}

// String renders the key as "participant|resource".
func (k Key) String() string {
	return k.ParticipantID + "|" + k.ResourceID
}

// scorePrecision is the number of decimal places kept for priority scores.
const scorePrecision = 1e6

// RoundScore rounds a score to six decimal places.
func RoundScore(score float64) float64 {
	return math.Round(score*scorePrecision) / scorePrecision
}

// NormalizeTime drops sub-microsecond precision and converts to UTC so that
// stored instants hash identically after a round trip through any store.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// AdmissionLess reports whether a ranks ahead of b in the admission ordering:
// claimed holders first, then RankLess.
func AdmissionLess(a, b Entry) bool {
	ac, bc := a.State == StateClaimed, b.State == StateClaimed
	if ac != bc {
		return ac
	}
	return RankLess(a, b)
}

// RankLess orders by score desc, joined_at asc, participant id asc,
// regardless of state.
func RankLess(a, b Entry) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ParticipantID < b.ParticipantID
}
