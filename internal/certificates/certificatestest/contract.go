// Package certificatestest holds a behavioural test suite shared by every
// certificates.Repository implementation.
package certificatestest

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func NewRecord(machineID, fingerprint string, issuedAt time.Time) *certificates.Record {
	return &certificates.Record{
		ID:                uuid.NewString(),
		FingerprintSHA256: fingerprint,
		MachineID:         machineID,
		IssuedAt:          issuedAt,
		ExpiresAt:         issuedAt.Add(60 * 24 * time.Hour),
	}
}

// RunRepositoryTests exercises repo against the Repository contract. newRepo
// must return an empty repository on every call.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) certificates.Repository) {
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	t.Run("SaveAndFind", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord("device-1", "AA01", base)

		require.NoError(t, repo.Save(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)

		byID, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "device-1", byID.MachineID)
		assert.Equal(t, int64(1), byID.Version)
		assert.True(t, byID.IssuedAt.Equal(base))

		byFP, err := repo.FindByFingerprint(ctx, "AA01")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, byFP.ID)
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.FindByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, certificates.ErrNotFound)
		_, err = repo.FindByFingerprint(ctx, "missing")
		assert.ErrorIs(t, err, certificates.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, uuid.NewString()), certificates.ErrNotFound)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord("device-1", "AA02", base)
		require.NoError(t, repo.Save(ctx, rec))

		stale := rec.Clone()

		revokedAt := base.Add(time.Hour)
		rec.RevokedAt = &revokedAt
		rec.RevokeReason = "first"
		require.NoError(t, repo.Save(ctx, rec))
		assert.Equal(t, int64(2), rec.Version)

		stale.RevokeReason = "second"
		stale.RevokedAt = &revokedAt
		assert.ErrorIs(t, repo.Save(ctx, stale), certificates.ErrVersionConflict)

		// Re-inserting an existing id also conflicts.
		dup := rec.Clone()
		dup.Version = 0
		assert.ErrorIs(t, repo.Save(ctx, dup), certificates.ErrVersionConflict)

		got, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.RevokeReason)
	})

	t.Run("DuplicateFingerprint", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Save(ctx, NewRecord("device-1", "AA03", base)))

		err := repo.Save(ctx, NewRecord("device-2", "AA03", base))
		assert.ErrorIs(t, err, certificates.ErrDuplicateFingerprint)
	})

	t.Run("SoftDeletedHiddenFromLookups", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord("device-1", "AA04", base)
		require.NoError(t, repo.Save(ctx, rec))

		rec.IsDeleted = true
		require.NoError(t, repo.Save(ctx, rec))

		_, err := repo.FindByFingerprint(ctx, "AA04")
		assert.ErrorIs(t, err, certificates.ErrNotFound)

		byMachine, err := repo.FindByMachineID(ctx, "device-1")
		require.NoError(t, err)
		assert.Empty(t, byMachine)

		all, err := repo.FindAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		// The fingerprint is free again once the holder is soft-deleted.
		require.NoError(t, repo.Save(ctx, NewRecord("device-1", "AA04", base.Add(time.Hour))))
	})

	t.Run("FindActiveAndByMachine", func(t *testing.T) {
		repo := newRepo(t)
		first := NewRecord("device-1", "AA05", base)
		second := NewRecord("device-1", "AA06", base.Add(time.Hour))
		other := NewRecord("device-2", "AA07", base.Add(2*time.Hour))
		for _, r := range []*certificates.Record{first, second, other} {
			require.NoError(t, repo.Save(ctx, r))
		}

		revokedAt := base.Add(3 * time.Hour)
		first.RevokedAt = &revokedAt
		require.NoError(t, repo.Save(ctx, first))

		byMachine, err := repo.FindByMachineID(ctx, "device-1")
		require.NoError(t, err)
		require.Len(t, byMachine, 2)
		assert.Equal(t, first.ID, byMachine[0].ID)
		assert.Equal(t, second.ID, byMachine[1].ID)

		active, err := repo.FindActive(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, r := range active {
			ids = append(ids, r.ID)
		}
		assert.ElementsMatch(t, []string{second.ID, other.ID}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord("device-1", "AA08", base)
		require.NoError(t, repo.Save(ctx, rec))

		require.NoError(t, repo.Delete(ctx, rec.ID))
		_, err := repo.FindByID(ctx, rec.ID)
		assert.ErrorIs(t, err, certificates.ErrNotFound)
		_, err = repo.FindByFingerprint(ctx, "AA08")
		assert.ErrorIs(t, err, certificates.ErrNotFound)
	})
}
