package migrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/core/backup"
	"github.com/AvaProtocol/userop-sponsor/core/testutil"
	"github.com/AvaProtocol/userop-sponsor/storage"
)

func TestMigratorRunsOnceAndMarks(t *testing.T) {
	db := testutil.TestMustDB(t)
	calls := 0
	m := NewMigrator(db, nil, nil, testutil.GetLogger())
	m.Register("20261017-000000-test", func(db storage.Storage) (int, error) {
		calls++
		return 5, db.Set([]byte("test:key"), []byte("migrated"))
	})

	require.NoError(t, m.Run(context.Background()))
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 1, calls)

	marker, err := db.GetKey([]byte("migration:20261017-000000-test"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(marker), "records=5,ts="), string(marker))

	pending, err := m.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMigratorStopsAtFailure(t *testing.T) {
	db := testutil.TestMustDB(t)
	ran := []string{}
	m := NewMigrator(db, nil, []Migration{
		{Name: "a", Function: func(storage.Storage) (int, error) { ran = append(ran, "a"); return 0, nil }},
		{Name: "b", Function: func(storage.Storage) (int, error) { return 0, errors.New("boom") }},
		{Name: "c", Function: func(storage.Storage) (int, error) { ran = append(ran, "c"); return 0, nil }},
	}, nil)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration b failed")
	assert.Equal(t, []string{"a"}, ran)

	pending, err := m.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, pending)
}

func TestMigratorBacksUpOnlyWhenPending(t *testing.T) {
	db := testutil.TestMustDB(t)
	dir := t.TempDir()
	m := NewMigrator(db, backup.NewService(nil, db, dir), []Migration{
		{Name: "noop", Function: func(storage.Storage) (int, error) { return 0, nil }},
	}, nil)

	require.NoError(t, m.Run(context.Background()))
	files, err := filepath.Glob(filepath.Join(dir, "*", "*.db"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	// nothing pending, so the second run takes no backup
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, m.Run(context.Background()))
	assert.NoDirExists(t, dir)
}

func TestMigratorHonoursCancel(t *testing.T) {
	db := testutil.TestMustDB(t)
	m := NewMigrator(db, nil, []Migration{
		{Name: "never", Function: func(storage.Storage) (int, error) { return 0, nil }},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Run(ctx), context.Canceled)

	exists, err := db.Exist([]byte("migration:never"))
	require.NoError(t, err)
	assert.False(t, exists)
}
