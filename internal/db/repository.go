// Package db provides keyed record persistence for the sync change store.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"
)

// RecordKey addresses one stored record.
type RecordKey struct {
	Bucket   string
	EntityID string
	Field    string
}

// RecordOp is a single write inside an atomic batch.
type RecordOp struct {
	Key    RecordKey
	Data   []byte
	Delete bool
}

// Repository stores opaque records keyed by (bucket, entity, field).
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine won the race, close our duplicate.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// The underlying *sql.DB is owned by the caller.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// GetRecord returns the record data and whether it exists.
func (r *Repository) GetRecord(ctx context.Context, key RecordKey) ([]byte, bool, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT data FROM sync_records WHERE bucket = ? AND entity_id = ? AND field = ?`)
	if err != nil {
		return nil, false, err
	}

	var data []byte
	err = stmt.QueryRowContext(ctx, key.Bucket, key.EntityID, key.Field).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read record: %w", err)
	}
	return data, true, nil
}

// ListRecords returns all records of one entity in a bucket, keyed by field.
func (r *Repository) ListRecords(ctx context.Context, bucket, entityID string) (map[string][]byte, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT field, data FROM sync_records WHERE bucket = ? AND entity_id = ? ORDER BY field`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, bucket, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var data []byte
		if err := rows.Scan(&field, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out[field] = data
	}
	return out, rows.Err()
}

// ListEntities returns every entity id with at least one stored record.
func (r *Repository) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT entity_id FROM sync_records ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyRecords writes all ops in one transaction. Either every op lands or none.
func (r *Repository) ApplyRecords(ctx context.Context, ops []RecordOp) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM sync_records WHERE bucket = ? AND entity_id = ? AND field = ?`,
				op.Key.Bucket, op.Key.EntityID, op.Key.Field)
		} else {
			_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_records (bucket, entity_id, field, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(bucket, entity_id, field) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
			`, op.Key.Bucket, op.Key.EntityID, op.Key.Field, op.Data, now)
		}
		if err != nil {
			return fmt.Errorf("failed to write record %s/%s/%s: %w", op.Key.Bucket, op.Key.EntityID, op.Key.Field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}
