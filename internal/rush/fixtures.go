package rush

import (
	"fmt"
	"time"

	"github.com/okian/dropspot/internal/config"
	"github.com/okian/dropspot/internal/domain/model"
)

func participantID(prefix string, i int) string {
	return fmt.Sprintf("%s-%05d", prefix, i)
}

// Fixtures builds a fixture set for a rush: one drop whose claim window is
// open from now for a day, and n participants with staggered account ages.
func Fixtures(dropID string, capacity, n int, prefix string, now time.Time) *config.Fixtures {
	now = model.NormalizeTime(now)
	f := &config.Fixtures{
		Drops: []model.Resource{{
			ID:               dropID,
			Name:             "Rush " + dropID,
			Capacity:         capacity,
			ClaimWindowStart: now,
			ClaimWindowEnd:   now.Add(24 * time.Hour),
			Active:           true,
		}},
		Users: make([]model.Participant, 0, n),
	}
	for i := 0; i < n; i++ {
		f.Users = append(f.Users, model.Participant{
			ID:        participantID(prefix, i),
			CreatedAt: now.Add(-time.Duration(i%365+1) * 24 * time.Hour),
		})
	}
	return f
}
