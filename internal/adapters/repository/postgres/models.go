package postgres

import (
	"time"

	"github.com/okian/dropspot/internal/domain/model"
)

type entryModel struct {
	ID            string     `gorm:"column:id;primaryKey"`
	ParticipantID string     `gorm:"column:participant_id;not null;uniqueIndex:ux_entries_participant_resource"`
	ResourceID    string     `gorm:"column:resource_id;not null;uniqueIndex:ux_entries_participant_resource;index:ix_entries_resource_state"`
	PriorityScore float64    `gorm:"column:priority_score;not null"`
	JoinedAt      time.Time  `gorm:"column:joined_at;not null"`
	State         string     `gorm:"column:state;not null;index:ix_entries_resource_state"`
	ClaimCode     *string    `gorm:"column:claim_code"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at"`
	ClaimPosition *int       `gorm:"column:claim_position"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null"`
}

func (entryModel) TableName() string {
	return "entries"
}

func entryModelFromEntity(e model.Entry) entryModel {
	row := entryModel{
		ID:            e.ID,
		ParticipantID: e.ParticipantID,
		ResourceID:    e.ResourceID,
		PriorityScore: e.PriorityScore,
		JoinedAt:      e.JoinedAt.UTC(),
		State:         string(e.State),
		ClaimedAt:     normalizeOptionalTime(e.ClaimedAt),
		CreatedAt:     e.CreatedAt.UTC(),
		UpdatedAt:     e.UpdatedAt.UTC(),
	}
	if e.ClaimCode != "" {
		code := e.ClaimCode
		row.ClaimCode = &code
	}
	if e.ClaimPosition > 0 {
		position := e.ClaimPosition
		row.ClaimPosition = &position
	}
	return row
}

func (m entryModel) toEntity() model.Entry {
	e := model.Entry{
		ID:            m.ID,
		ParticipantID: m.ParticipantID,
		ResourceID:    m.ResourceID,
		PriorityScore: m.PriorityScore,
		JoinedAt:      model.NormalizeTime(m.JoinedAt),
		State:         model.State(m.State),
		ClaimedAt:     normalizeOptionalTime(m.ClaimedAt),
		CreatedAt:     model.NormalizeTime(m.CreatedAt),
		UpdatedAt:     model.NormalizeTime(m.UpdatedAt),
	}
	if m.ClaimCode != nil {
		e.ClaimCode = *m.ClaimCode
	}
	if m.ClaimPosition != nil {
		e.ClaimPosition = *m.ClaimPosition
	}
	return e
}

type resourceModel struct {
	ID               string    `gorm:"column:id;primaryKey"`
	Name             string    `gorm:"column:name"`
	Description      string    `gorm:"column:description"`
	Capacity         int       `gorm:"column:capacity;not null"`
	ClaimWindowStart time.Time `gorm:"column:claim_window_start;not null"`
	ClaimWindowEnd   time.Time `gorm:"column:claim_window_end;not null"`
	Active           bool      `gorm:"column:active;not null"`
}

func (resourceModel) TableName() string {
	return "resources"
}

func (m resourceModel) toEntity() model.Resource {
	return model.Resource{
		ID:               m.ID,
		Name:             m.Name,
		Description:      m.Description,
		Capacity:         m.Capacity,
		ClaimWindowStart: model.NormalizeTime(m.ClaimWindowStart),
		ClaimWindowEnd:   model.NormalizeTime(m.ClaimWindowEnd),
		Active:           m.Active,
	}
}

type participantModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (participantModel) TableName() string {
	return "participants"
}

func normalizeOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := model.NormalizeTime(*value)
	return &t
}
