package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/dropspot/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var joinBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("duplicate key")))
	assert.False(t, isUniqueViolation(nil))
}

func TestEntryModelRoundTrip(t *testing.T) {
	claimedAt := joinBase.Add(time.Hour).In(time.FixedZone("UTC+2", 7200))
	in := model.Entry{
		ID:            "id-1",
		ParticipantID: "alice",
		ResourceID:    "drop-1",
		PriorityScore: 20.151,
		JoinedAt:      joinBase.Add(123456 * time.Microsecond),
		State:         model.StateClaimed,
		ClaimCode:     "BD25F53E10115808",
		ClaimedAt:     &claimedAt,
		ClaimPosition: 2,
		CreatedAt:     joinBase,
		UpdatedAt:     joinBase,
	}

	row := entryModelFromEntity(in)
	require.NotNil(t, row.ClaimCode)
	assert.Equal(t, "claimed", row.State)

	out := row.toEntity()
	assert.Equal(t, in.ClaimCode, out.ClaimCode)
	assert.True(t, in.JoinedAt.Equal(out.JoinedAt))
	require.NotNil(t, out.ClaimedAt)
	assert.Equal(t, time.UTC, out.ClaimedAt.Location())
	assert.Equal(t, 2, out.ClaimPosition)

	in.Transition(model.StateLeft)
	row = entryModelFromEntity(in)
	assert.Nil(t, row.ClaimCode)
	assert.Nil(t, row.ClaimedAt)
	assert.Nil(t, row.ClaimPosition)
}

func TestConstructorsRejectEmptyInput(t *testing.T) {
	_, err := Connect(context.Background(), " ")
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

// The remaining tests need a live server.
func liveStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DROPSPOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DROPSPOT_TEST_POSTGRES_DSN not set")
	}
	s, err := Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLiveEntryStore(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	rid := "drop-" + uuid.NewString()

	entry := func(pid string, score float64) model.Entry {
		return model.Entry{
			ID:            uuid.NewString(),
			ParticipantID: pid,
			ResourceID:    rid,
			PriorityScore: score,
			JoinedAt:      joinBase,
			State:         model.StateJoined,
			CreatedAt:     joinBase,
			UpdatedAt:     joinBase,
		}
	}

	_, err := s.Create(ctx, entry("alice", 20.151))
	require.NoError(t, err)
	_, err = s.Create(ctx, entry("bob", 20.709))
	require.NoError(t, err)
	_, err = s.Create(ctx, entry("alice", 1))
	assert.ErrorIs(t, err, model.ErrEntryConflict)

	list, err := s.ListJoinedOrdered(ctx, rid)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].ParticipantID)

	alice, err := s.Find(ctx, "alice", rid)
	require.NoError(t, err)
	now := joinBase.Add(time.Minute)
	alice.State = model.StateClaimed
	alice.ClaimCode = "X"
	alice.ClaimedAt = &now
	_, err = s.Update(ctx, alice)
	require.NoError(t, err)

	list, err = s.ListJoinedOrdered(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, "alice", list[0].ParticipantID)

	_, err = s.Find(ctx, "nobody", rid)
	assert.ErrorIs(t, err, model.ErrEntryNotFound)
}
