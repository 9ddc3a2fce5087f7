package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	s := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "memtier.db"))
	exercisePersistentStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memtier.db")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	m := sampleMemory("kept across restarts", domain.LayerLongTerm, at)

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveAll(context.Background(), []domain.Memory{m}))
	require.NoError(t, s.Close())

	reopened := newTestSQLiteStore(t, path)
	loaded, err := reopened.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, m.ID, loaded[0].ID)
	assert.True(t, m.LastAccessedAt.Equal(loaded[0].LastAccessedAt))
	assert.Equal(t, domain.LayerLongTerm, loaded[0].Layer)
}

func TestSQLiteStore_CancelledSave(t *testing.T) {
	s := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "memtier.db"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SaveAll(ctx, []domain.Memory{sampleMemory("never written", domain.LayerWorking, time.Now())})
	require.Error(t, err)

	loaded, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
