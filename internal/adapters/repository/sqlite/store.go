// Package sqlite provides a SQLite-backed entry store and directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/dropspot/internal/adapters/repository/sqlite/migrations"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/pkg/metrics"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists entries, resources and participants in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Instants are stored as Unix microseconds so that join times survive a
// round trip bit-exactly.
func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers; the uniqueness constraint still
	// decides create races.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const entryColumns = `id, participant_id, resource_id, priority_score, joined_at, state,
       claim_code, claimed_at, claim_position, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.Entry, error) {
	var (
		e                    model.Entry
		state                string
		joinedAt             int64
		claimCode            sql.NullString
		claimedAt            sql.NullInt64
		claimPosition        sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.ParticipantID, &e.ResourceID, &e.PriorityScore, &joinedAt, &state,
		&claimCode, &claimedAt, &claimPosition, &createdAt, &updatedAt); err != nil {
		return model.Entry{}, err
	}
	e.State = model.State(state)
	e.JoinedAt = fromMicros(joinedAt)
	e.CreatedAt = fromMicros(createdAt)
	e.UpdatedAt = fromMicros(updatedAt)
	if claimCode.Valid {
		e.ClaimCode = claimCode.String
	}
	if claimedAt.Valid {
		t := fromMicros(claimedAt.Int64)
		e.ClaimedAt = &t
	}
	if claimPosition.Valid {
		e.ClaimPosition = int(claimPosition.Int64)
	}
	return e, nil
}

func claimArgs(e model.Entry) (sql.NullString, sql.NullInt64, sql.NullInt64) {
	var (
		code     sql.NullString
		at       sql.NullInt64
		position sql.NullInt64
	)
	if e.ClaimCode != "" {
		code = sql.NullString{String: e.ClaimCode, Valid: true}
	}
	if e.ClaimedAt != nil {
		at = sql.NullInt64{Int64: toMicros(*e.ClaimedAt), Valid: true}
	}
	if e.ClaimPosition > 0 {
		position = sql.NullInt64{Int64: int64(e.ClaimPosition), Valid: true}
	}
	return code, at, position
}

// Find returns the entry for the pair.
func (s *Store) Find(ctx context.Context, participantID, resourceID string) (model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("find", metrics.SinceMs(start)) }()

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE participant_id = ? AND resource_id = ?`,
		participantID, resourceID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Entry{}, model.ErrEntryNotFound
		}
		return model.Entry{}, fmt.Errorf("find entry: %w", err)
	}
	return e, nil
}

// Create inserts a new entry. The (participant_id, resource_id) unique key
// reports duplicates as model.ErrEntryConflict.
func (s *Store) Create(ctx context.Context, e model.Entry) (model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("create", metrics.SinceMs(start)) }()

	code, claimedAt, position := claimArgs(e)
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ParticipantID, e.ResourceID, e.PriorityScore, toMicros(e.JoinedAt), string(e.State),
		code, claimedAt, position, toMicros(e.CreatedAt), toMicros(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Entry{}, model.ErrEntryConflict
		}
		return model.Entry{}, fmt.Errorf("create entry: %w", err)
	}
	return e, nil
}

// Update overwrites the mutable fields of an existing entry.
func (s *Store) Update(ctx context.Context, e model.Entry) (model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("update", metrics.SinceMs(start)) }()

	code, claimedAt, position := claimArgs(e)
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE entries
		    SET priority_score = ?, joined_at = ?, state = ?, claim_code = ?, claimed_at = ?,
		        claim_position = ?, updated_at = ?
		  WHERE participant_id = ? AND resource_id = ?`,
		e.PriorityScore, toMicros(e.JoinedAt), string(e.State), code, claimedAt, position, toMicros(e.UpdatedAt),
		e.ParticipantID, e.ResourceID,
	)
	if err != nil {
		return model.Entry{}, fmt.Errorf("update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Entry{}, fmt.Errorf("update entry rows: %w", err)
	}
	if n == 0 {
		return model.Entry{}, model.ErrEntryNotFound
	}
	return e, nil
}

// ListJoinedOrdered returns the ranked entries of a resource in admission order.
func (s *Store) ListJoinedOrdered(ctx context.Context, resourceID string) ([]model.Entry, error) {
	return s.TopN(ctx, resourceID, 0)
}

// TopN returns at most n ranked entries of a resource. n <= 0 returns all.
func (s *Store) TopN(ctx context.Context, resourceID string, n int) ([]model.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("list", metrics.SinceMs(start)) }()

	limit := -1
	if n > 0 {
		limit = n
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		  WHERE resource_id = ? AND state IN ('joined', 'claimed')
		  ORDER BY CASE state WHEN 'claimed' THEN 0 ELSE 1 END,
		           priority_score DESC, joined_at ASC, participant_id ASC
		  LIMIT ?`,
		resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// PutResource inserts or replaces a resource.
func (s *Store) PutResource(ctx context.Context, r model.Resource) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO resources (id, name, description, capacity, claim_window_start, claim_window_end, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   capacity = excluded.capacity,
		   claim_window_start = excluded.claim_window_start,
		   claim_window_end = excluded.claim_window_end,
		   active = excluded.active`,
		r.ID, r.Name, r.Description, r.Capacity, toMicros(r.ClaimWindowStart), toMicros(r.ClaimWindowEnd), r.Active,
	)
	if err != nil {
		return fmt.Errorf("put resource: %w", err)
	}
	return nil
}

// PutParticipant inserts or replaces a participant.
func (s *Store) PutParticipant(ctx context.Context, p model.Participant) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO participants (id, created_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
		p.ID, toMicros(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

// Resource returns the resource or model.ErrResourceNotFound.
func (s *Store) Resource(ctx context.Context, id string) (model.Resource, error) {
	var (
		r          model.Resource
		start, end int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, description, capacity, claim_window_start, claim_window_end, active
		   FROM resources WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.Description, &r.Capacity, &start, &end, &r.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Resource{}, model.ErrResourceNotFound
		}
		return model.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	r.ClaimWindowStart = fromMicros(start)
	r.ClaimWindowEnd = fromMicros(end)
	return r, nil
}

// ActiveResources lists active resources ordered by id.
func (s *Store) ActiveResources(ctx context.Context) ([]model.Resource, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, name, description, capacity, claim_window_start, claim_window_end, active
		   FROM resources WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var (
			r          model.Resource
			start, end int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Capacity, &start, &end, &r.Active); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.ClaimWindowStart = fromMicros(start)
		r.ClaimWindowEnd = fromMicros(end)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// Participant returns the participant or model.ErrParticipantNotFound.
func (s *Store) Participant(ctx context.Context, id string) (model.Participant, error) {
	var (
		p         model.Participant
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, created_at FROM participants WHERE id = ?`, id,
	).Scan(&p.ID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Participant{}, model.ErrParticipantNotFound
		}
		return model.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	p.CreatedAt = fromMicros(createdAt)
	return p, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
