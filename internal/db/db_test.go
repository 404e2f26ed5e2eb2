// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err, "database file was not created")
	assert.Equal(t, filepath.Join(dir, FileName), db.Path)

	var walMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&walMode))
	assert.Equal(t, "wal", walMode)

	// FULL == 2
	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 2, synchronous)

	var tableName string
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='sync_records'").Scan(&tableName))
}

// TestOpen_nestedDataDir verifies missing parent directories are created.
func TestOpen_nestedDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

// TestDB_reopen verifies migrations are idempotent across restarts.
func TestDB_reopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_records (bucket, entity_id, field, data, updated_at) VALUES ('fields', 'pet-1', 'name', x'7b7d', 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sync_records").Scan(&count))
	assert.Equal(t, 1, count)

	var migrations int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrations))
	assert.Equal(t, 1, migrations)
}

// TestDB_concurrentQueries verifies the single connection serializes callers.
func TestDB_concurrentQueries(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n int
			errs <- db.QueryRow("SELECT 1").Scan(&n)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
