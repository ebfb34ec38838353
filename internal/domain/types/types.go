// Package types contains the response shapes shared by the service and the HTTP API.
package types

import (
	"time"

	"github.com/okian/dropspot/internal/domain/model"
)

// Entry is the public view of a waitlist entry. Position is 0 when the entry
// is not ranked.
type Entry struct {
	ParticipantID string     `json:"participant_id"`
	DropID        string     `json:"drop_id"`
	State         string     `json:"state"`
	PriorityScore float64    `json:"priority_score"`
	JoinedAt      time.Time  `json:"joined_at"`
	Position      int        `json:"position,omitempty"`
	ClaimCode     string     `json:"claim_code,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

// Standing is one row of a drop's admission ordering.
type Standing struct {
	Position      int     `json:"position"`
	ParticipantID string  `json:"participant_id"`
	PriorityScore float64 `json:"priority_score"`
	Claimed       bool    `json:"claimed"`
}

// FromEntry converts a stored entry.
func FromEntry(e model.Entry, position int) Entry {
	return Entry{
		ParticipantID: e.ParticipantID,
		DropID:        e.ResourceID,
		State:         string(e.State),
		PriorityScore: e.PriorityScore,
		JoinedAt:      e.JoinedAt,
		Position:      position,
		ClaimCode:     e.ClaimCode,
		ClaimedAt:     e.ClaimedAt,
	}
}

// Standings numbers an ordered slice from 1.
func Standings(ordered []model.Entry) []Standing {
	out := make([]Standing, len(ordered))
	for i, e := range ordered {
		out[i] = Standing{
			Position:      i + 1,
			ParticipantID: e.ParticipantID,
			PriorityScore: e.PriorityScore,
			Claimed:       e.Claimed(),
		}
	}
	return out
}

// Drop is the public view of a resource.
type Drop struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Description      string    `json:"description,omitempty"`
	Capacity         int       `json:"capacity"`
	ClaimWindowStart time.Time `json:"claim_window_start"`
	ClaimWindowEnd   time.Time `json:"claim_window_end"`
}

// FromResource converts a resource.
func FromResource(r model.Resource) Drop {
	return Drop{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Capacity:         r.Capacity,
		ClaimWindowStart: r.ClaimWindowStart,
		ClaimWindowEnd:   r.ClaimWindowEnd,
	}
}
