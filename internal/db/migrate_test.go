// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	require.NoError(t, m.Initialize())
	require.NoError(t, m.Initialize(), "Initialize should be idempotent")

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

// TestUp_appliesInOrder verifies migrations run by version, not file order.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V2__add_index.up.sql":   {Data: []byte("CREATE INDEX idx_t ON t(a);")},
		"V1__create_t.up.sql":    {Data: []byte("CREATE TABLE t (a INTEGER);")},
		"V1__create_t.down.sql":  {Data: []byte("DROP TABLE t;")},
		"V2__add_index.down.sql": {Data: []byte("DROP INDEX idx_t;")},
		"README.md":              {Data: []byte("ignored")},
	}
	m := NewMigrator(db, files)
	require.NoError(t, m.Initialize())

	require.NoError(t, m.Up())

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "create_t", applied[0].Description)
	assert.Equal(t, "add_index", applied[1].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// Running again is a no-op.
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

// TestUp_detectsModifiedMigration verifies checksums guard applied files.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V1__create_t.up.sql": {Data: []byte("CREATE TABLE t (a INTEGER);")},
	}
	m := NewMigrator(db, files)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	files["V1__create_t.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t (a TEXT);")}
	err := NewMigrator(db, files).Up()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modified")
}

// TestDown_noMigrations verifies rollback on an empty schema fails.
func TestDown_noMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})
	require.NoError(t, m.Initialize())

	assert.Error(t, m.Down())
}

// TestMigrations_embedded verifies the shipped migration set parses.
func TestMigrations_embedded(t *testing.T) {
	m := NewMigrator(nil, Migrations())
	files, err := m.upFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, 1, files[0].version)
}
