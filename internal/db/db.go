// Package db provides the SQLite database that backs the durable change store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "petsync.db"

// DB wraps the sql.DB with sync-store configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode so readers never block the single writer
// - synchronous=FULL so a committed batch survives power loss
// - a busy timeout for the CLI and engine sharing one file
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	m := NewMigrator(sqlDB, Migrations())
	if err := m.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{DB: sqlDB, Path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
