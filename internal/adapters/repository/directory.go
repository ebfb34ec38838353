package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okian/dropspot/internal/domain/model"
)

// MemoryDirectory is an in-memory ports.Directory populated from fixtures.
type MemoryDirectory struct {
	mu           sync.RWMutex
	resources    map[string]model.Resource
	participants map[string]model.Participant
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		resources:    make(map[string]model.Resource),
		participants: make(map[string]model.Participant),
	}
}

// PutResource inserts or replaces a resource.
func (d *MemoryDirectory) PutResource(_ context.Context, r model.Resource) error {
	if err := ValidateResource(r); err != nil {
		return err
	}
	r.ClaimWindowStart = model.NormalizeTime(r.ClaimWindowStart)
	r.ClaimWindowEnd = model.NormalizeTime(r.ClaimWindowEnd)
	d.mu.Lock()
	d.resources[r.ID] = r
	d.mu.Unlock()
	return nil
}

// PutParticipant inserts or replaces a participant.
func (d *MemoryDirectory) PutParticipant(_ context.Context, p model.Participant) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidParticipant)
	}
	p.CreatedAt = model.NormalizeTime(p.CreatedAt)
	d.mu.Lock()
	d.participants[p.ID] = p
	d.mu.Unlock()
	return nil
}

// Resource returns the resource or model.ErrResourceNotFound.
func (d *MemoryDirectory) Resource(ctx context.Context, id string) (model.Resource, error) {
	if err := ctx.Err(); err != nil {
		return model.Resource{}, fmt.Errorf("directory resource: %w", err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resources[id]
	if !ok {
		return model.Resource{}, model.ErrResourceNotFound
	}
	return r, nil
}

// Participant returns the participant or model.ErrParticipantNotFound.
func (d *MemoryDirectory) Participant(ctx context.Context, id string) (model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return model.Participant{}, fmt.Errorf("directory participant: %w", err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[id]
	if !ok {
		return model.Participant{}, model.ErrParticipantNotFound
	}
	return p, nil
}

// ActiveResources lists active resources ordered by id.
func (d *MemoryDirectory) ActiveResources(ctx context.Context) ([]model.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	d.mu.RLock()
	out := make([]model.Resource, 0, len(d.resources))
	for _, r := range d.resources {
		if r.Active {
			out = append(out, r)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ValidateResource checks the structural invariants of a resource definition.
func ValidateResource(r model.Resource) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidResource)
	case r.Capacity <= 0:
		return fmt.Errorf("%w: %s: capacity must be positive, got %d", ErrInvalidResource, r.ID, r.Capacity)
	case !r.ClaimWindowStart.Before(r.ClaimWindowEnd):
		return fmt.Errorf("%w: %s: claim window start must precede end", ErrInvalidResource, r.ID)
	}
	return nil
}
