package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/certificates/certificatestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "certificates.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBBoltRepository(t *testing.T) {
	certificatestest.RunRepositoryTests(t, func(t *testing.T) certificates.Repository {
		return newTestStore(t)
	})
}

func TestBBoltReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificates.db")
	ctx := context.Background()

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	rec := certificatestest.NewRecord("device-1", "BB01", time.Now().UTC())
	require.NoError(t, s.Save(ctx, rec))
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.FindByFingerprint(ctx, "BB01")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, int64(1), got.Version)
}
