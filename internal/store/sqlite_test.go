package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/phantom/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestProfileUpsertKeepsMinorFlag(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{
		UserID: "u1", Username: "first", IsMinor: true, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{
		UserID: "u1", Username: "renamed", IsMinor: false, CreatedAt: now, UpdatedAt: now,
	}))

	got, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "renamed", got.Username)
	require.True(t, got.IsMinor, "upsert must not flip the minor flag")

	require.NoError(t, repo.ClearMinorFlag(ctx, "u1"))
	require.NoError(t, repo.ClearMinorFlag(ctx, "u1"))

	got, err = repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.False(t, got.IsMinor)
}

func TestGetMissingRowsReturnNil(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	profile, err := repo.GetProfile(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, profile)

	rec, err := repo.GetVerification(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestUpsertVerificationOverwrites(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	first := time.Unix(1_700_000_000, 0)
	require.NoError(t, repo.UpsertVerification(ctx, domain.NewAgeVerification("u1", first)))

	second := first.Add(48 * time.Hour)
	require.NoError(t, repo.UpsertVerification(ctx, domain.NewAgeVerification("u1", second)))

	got, err := repo.GetVerification(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.VerificationStatusVerified, got.Status)
	require.True(t, got.VerifiedAt.Equal(second))
	require.True(t, got.ExpiresAt.Equal(second.AddDate(1, 0, 0)))
	require.True(t, got.CreatedAt.Equal(first), "created_at survives re-verification")
}

func TestExpireVerifications(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(-2, 0, 0)
	require.NoError(t, repo.UpsertVerification(ctx, domain.NewAgeVerification("stale", old)))
	require.NoError(t, repo.UpsertVerification(ctx, domain.NewAgeVerification("fresh", time.Now())))

	n, err := repo.ExpireVerifications(ctx, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stale, err := repo.GetVerification(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, domain.VerificationStatusExpired, stale.Status)

	fresh, err := repo.GetVerification(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, domain.VerificationStatusVerified, fresh.Status)
}

func TestRecordAndCountTurns(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	turn := &domain.PhantomTurn{
		WorldID: "w1", RoomID: "r1", CharacterID: "c1",
		MessageLength: 12, ShouldRespond: true, ResponseCount: 1,
		Duration: 1500 * time.Millisecond,
	}
	require.NoError(t, repo.RecordTurn(ctx, turn))
	require.NotEmpty(t, turn.ID)

	require.NoError(t, repo.RecordTurn(ctx, &domain.PhantomTurn{
		WorldID: "w1", RoomID: "r1", CharacterID: "c2", Error: "upstream down",
	}))
	require.NoError(t, repo.RecordTurn(ctx, &domain.PhantomTurn{
		WorldID: "w1", RoomID: "other", CharacterID: "c1",
	}))

	n, err := repo.CountTurns(ctx, "w1", "r1", since)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
