package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/okian/dropspot/internal/domain/model"
)

// DropFixture describes one drop in a fixture file. Times are RFC 3339.
type DropFixture struct {
	ID               string `koanf:"id"`
	Name             string `koanf:"name"`
	Description      string `koanf:"description"`
	Capacity         int    `koanf:"capacity"`
	ClaimWindowStart string `koanf:"claim_window_start"`
	ClaimWindowEnd   string `koanf:"claim_window_end"`
	Active           *bool  `koanf:"active"`
}

// UserFixture describes one participant in a fixture file.
type UserFixture struct {
	ID        string `koanf:"id"`
	CreatedAt string `koanf:"created_at"`
}

// Fixtures is the parsed content of a fixture file.
type Fixtures struct {
	Drops []model.Resource
	Users []model.Participant
}

// FixtureSink receives fixtures. Every store and directory adapter satisfies it.
type FixtureSink interface {
	PutResource(ctx context.Context, r model.Resource) error
	PutParticipant(ctx context.Context, p model.Participant) error
}

// LoadFixtures reads a YAML file with top-level "drops" and "users" lists.
// A drop without an explicit active flag is active.
func LoadFixtures(_ context.Context, path string) (*Fixtures, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
	}

	var (
		drops []DropFixture
		users []UserFixture
	)
	if err := k.Unmarshal("drops", &drops); err != nil {
		return nil, fmt.Errorf("%w: drops: %w", ErrInvalidFixtures, err)
	}
	if err := k.Unmarshal("users", &users); err != nil {
		return nil, fmt.Errorf("%w: users: %w", ErrInvalidFixtures, err)
	}

	out := &Fixtures{
		Drops: make([]model.Resource, 0, len(drops)),
		Users: make([]model.Participant, 0, len(users)),
	}
	for _, d := range drops {
		start, err := parseTime(d.ID, "claim_window_start", d.ClaimWindowStart)
		if err != nil {
			return nil, err
		}
		end, err := parseTime(d.ID, "claim_window_end", d.ClaimWindowEnd)
		if err != nil {
			return nil, err
		}
		active := d.Active == nil || *d.Active
		out.Drops = append(out.Drops, model.Resource{
			ID:               d.ID,
			Name:             d.Name,
			Description:      d.Description,
			Capacity:         d.Capacity,
			ClaimWindowStart: start,
			ClaimWindowEnd:   end,
			Active:           active,
		})
	}
	for _, u := range users {
		created, err := parseTime(u.ID, "created_at", u.CreatedAt)
		if err != nil {
			return nil, err
		}
		out.Users = append(out.Users, model.Participant{ID: u.ID, CreatedAt: created})
	}
	return out, nil
}

// Apply writes every fixture to sink.
func (f *Fixtures) Apply(ctx context.Context, sink FixtureSink) error {
	for _, d := range f.Drops {
		if err := sink.PutResource(ctx, d); err != nil {
			return fmt.Errorf("%w: drop %s: %w", ErrInvalidFixtures, d.ID, err)
		}
	}
	for _, u := range f.Users {
		if err := sink.PutParticipant(ctx, u); err != nil {
			return fmt.Errorf("%w: user %s: %w", ErrInvalidFixtures, u.ID, err)
		}
	}
	return nil
}

// WriteFixtures writes f to path in the format LoadFixtures reads.
func WriteFixtures(path string, f *Fixtures) error {
	drops := make([]map[string]interface{}, 0, len(f.Drops))
	for _, d := range f.Drops {
		drops = append(drops, map[string]interface{}{
			"id":                 d.ID,
			"name":               d.Name,
			"description":        d.Description,
			"capacity":           d.Capacity,
			"claim_window_start": model.FormatISO(d.ClaimWindowStart),
			"claim_window_end":   model.FormatISO(d.ClaimWindowEnd),
			"active":             d.Active,
		})
	}
	users := make([]map[string]interface{}, 0, len(f.Users))
	for _, u := range f.Users {
		users = append(users, map[string]interface{}{
			"id":         u.ID,
			"created_at": model.FormatISO(u.CreatedAt),
		})
	}

	b, err := yaml.Parser().Marshal(map[string]interface{}{"drops": drops, "users": users})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFixtures, err)
	}
	if err := os.WriteFile(path, b, fixtureFileMode); err != nil {
		return fmt.Errorf("write fixtures %s: %w", path, err)
	}
	return nil
}

const fixtureFileMode = 0o600

func parseTime(id, field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %s: %w", ErrInvalidFixtures, id, field, err)
	}
	return t.UTC(), nil
}
