// Package postgres provides a Postgres-backed entry store and directory built on gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/pkg/logger"
	"github.com/okian/dropspot/pkg/metrics"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pingTimeout = 5 * time.Second

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithLogger sets the logger used for driver failures.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAutoMigrate controls whether Connect creates the schema.
func WithAutoMigrate(enabled bool) Option {
	return func(s *Store) {
		s.autoMigrate = enabled
	}
}

// Store persists entries, resources and participants in Postgres.
type Store struct {
	db          *gorm.DB
	log         logger.Logger
	autoMigrate bool
}

// Connect opens a Postgres store for dsn and, unless disabled, migrates the schema.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	s, err := New(db, opts...)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if s.autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	s := &Store{db: db, log: logger.Nop(), autoMigrate: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates or updates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&resourceModel{}, &participantModel{}, &entryModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Find returns the entry for the pair.
func (s *Store) Find(ctx context.Context, participantID, resourceID string) (model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("find", metrics.SinceMs(start)) }()

	var row entryModel
	err := s.db.WithContext(ctx).
		Where("participant_id = ? AND resource_id = ?", participantID, resourceID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Entry{}, model.ErrEntryNotFound
		}
		return model.Entry{}, s.logError(ctx, "find entry", err, participantID, resourceID)
	}
	return row.toEntity(), nil
}

// Create inserts a new entry. A unique violation on (participant_id,
// resource_id) is reported as model.ErrEntryConflict.
func (s *Store) Create(ctx context.Context, e model.Entry) (model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("create", metrics.SinceMs(start)) }()

	row := entryModelFromEntity(e)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return model.Entry{}, model.ErrEntryConflict
		}
		return model.Entry{}, s.logError(ctx, "create entry", err, e.ParticipantID, e.ResourceID)
	}
	return row.toEntity(), nil
}

// Update overwrites the mutable fields of an existing entry.
func (s *Store) Update(ctx context.Context, e model.Entry) (model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("update", metrics.SinceMs(start)) }()

	row := entryModelFromEntity(e)
	res := s.db.WithContext(ctx).Model(&entryModel{}).
		Where("participant_id = ? AND resource_id = ?", e.ParticipantID, e.ResourceID).
		Updates(map[string]any{
			"priority_score": row.PriorityScore,
			"joined_at":      row.JoinedAt,
			"state":          row.State,
			"claim_code":     row.ClaimCode,
			"claimed_at":     row.ClaimedAt,
			"claim_position": row.ClaimPosition,
			"updated_at":     row.UpdatedAt,
		})
	if res.Error != nil {
		return model.Entry{}, s.logError(ctx, "update entry", res.Error, e.ParticipantID, e.ResourceID)
	}
	if res.RowsAffected == 0 {
		return model.Entry{}, model.ErrEntryNotFound
	}
	return row.toEntity(), nil
}

// ListJoinedOrdered returns the ranked entries of a resource in admission order.
func (s *Store) ListJoinedOrdered(ctx context.Context, resourceID string) ([]model.Entry, error) {
	return s.TopN(ctx, resourceID, 0)
}

// TopN returns at most n ranked entries of a resource. n <= 0 returns all.
func (s *Store) TopN(ctx context.Context, resourceID string, n int) ([]model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("list", metrics.SinceMs(start)) }()

	tx := s.db.WithContext(ctx).
		Where("resource_id = ? AND state IN ?", resourceID, []string{string(model.StateJoined), string(model.StateClaimed)}).
		Order("CASE state WHEN 'claimed' THEN 0 ELSE 1 END").
		Order("priority_score DESC").
		Order("joined_at ASC").
		Order("participant_id ASC")
	if n > 0 {
		tx = tx.Limit(n)
	}
	var rows []entryModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, s.logError(ctx, "list entries", err, "", resourceID)
	}
	out := make([]model.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// PutResource inserts or replaces a resource.
func (s *Store) PutResource(ctx context.Context, r model.Resource) error {
	row := resourceModel{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Capacity:         r.Capacity,
		ClaimWindowStart: r.ClaimWindowStart.UTC(),
		ClaimWindowEnd:   r.ClaimWindowEnd.UTC(),
		Active:           r.Active,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "capacity", "claim_window_start", "claim_window_end", "active"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put resource: %w", err)
	}
	return nil
}

// PutParticipant inserts or replaces a participant.
func (s *Store) PutParticipant(ctx context.Context, p model.Participant) error {
	row := participantModel{ID: p.ID, CreatedAt: p.CreatedAt.UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"created_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

// Resource returns the resource or model.ErrResourceNotFound.
func (s *Store) Resource(ctx context.Context, id string) (model.Resource, error) {
	var row resourceModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Resource{}, model.ErrResourceNotFound
		}
		return model.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return row.toEntity(), nil
}

// ActiveResources lists active resources ordered by id.
func (s *Store) ActiveResources(ctx context.Context) ([]model.Resource, error) {
	var rows []resourceModel
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	out := make([]model.Resource, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// Participant returns the participant or model.ErrParticipantNotFound.
func (s *Store) Participant(ctx context.Context, id string) (model.Participant, error) {
	var row participantModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Participant{}, model.ErrParticipantNotFound
		}
		return model.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return model.Participant{ID: row.ID, CreatedAt: model.NormalizeTime(row.CreatedAt)}, nil
}

func (s *Store) logError(ctx context.Context, op string, err error, participantID, resourceID string) error {
	s.log.Error(ctx, "postgres entry store failure",
		logger.String("op", op),
		logger.String("participant_id", participantID),
		logger.String("resource_id", resourceID),
		logger.Error(err),
	)
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
