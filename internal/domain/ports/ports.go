// Package ports declares the collaborator contracts the admission core depends on.
//
// Any implementation (SQL, key-value, in-memory) satisfies EntryStore as long as
// it enforces one entry per (participant, resource) and reports a duplicate
// create with model.ErrEntryConflict.
package ports

import (
	"context"
	"time"

	"github.com/okian/dropspot/internal/domain/model"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// EntryStore is durable keyed storage of waitlist entries.
type EntryStore interface {
	// Find returns the entry for the pair or model.ErrEntryNotFound.
	Find(ctx context.Context, participantID, resourceID string) (model.Entry, error)

	// Create inserts a new entry. A duplicate pair yields model.ErrEntryConflict.
	Create(ctx context.Context, e model.Entry) (model.Entry, error)

	// Update overwrites the mutable fields of an existing entry.
	// A missing entry yields model.ErrEntryNotFound.
	Update(ctx context.Context, e model.Entry) (model.Entry, error)

	// ListJoinedOrdered returns the ranked entries of a resource (joined and
	// claimed) in admission order, see model.AdmissionLess.
	ListJoinedOrdered(ctx context.Context, resourceID string) ([]model.Entry, error)
}

// Directory provides read-only access to resources and participants.
type Directory interface {
	Resource(ctx context.Context, id string) (model.Resource, error)
	Participant(ctx context.Context, id string) (model.Participant, error)
}

// Serializer runs fn exclusively with respect to other calls sharing key.
type Serializer interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
