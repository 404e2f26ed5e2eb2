package changestore

import (
	"context"

	"github.com/aopopov01/TailTracker-sub009/internal/db"
)

// SQLiteBackend stores records in the sync_records table.
type SQLiteBackend struct {
	db   *db.DB
	repo *db.Repository
}

// OpenSQLite opens (and migrates) the database in dataDir.
func OpenSQLite(dataDir string) (*SQLiteBackend, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: database, repo: db.NewRepository(database.DB)}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.db.Path
}

func toRecordKey(k Key) db.RecordKey {
	return db.RecordKey{Bucket: k.Bucket, EntityID: k.EntityID, Field: k.Field}
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	return b.repo.GetRecord(ctx, toRecordKey(key))
}

// List implements Backend.
func (b *SQLiteBackend) List(ctx context.Context, bucket, entityID string) (map[string][]byte, error) {
	return b.repo.ListRecords(ctx, bucket, entityID)
}

// Apply implements Backend in a single transaction.
func (b *SQLiteBackend) Apply(ctx context.Context, ops []Op) error {
	recordOps := make([]db.RecordOp, len(ops))
	for i, op := range ops {
		recordOps[i] = db.RecordOp{Key: toRecordKey(op.Key), Data: op.Value, Delete: op.Delete}
	}
	return b.repo.ApplyRecords(ctx, recordOps)
}

// Entities implements Backend.
func (b *SQLiteBackend) Entities(ctx context.Context) ([]string, error) {
	return b.repo.ListEntities(ctx)
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	stmtErr := b.repo.Close()
	if err := b.db.Close(); err != nil {
		return err
	}
	return stmtErr
}
