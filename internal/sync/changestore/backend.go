// Package changestore persists per-field sync state, queued change records
// and conflicts for one entity, with a write-through in-memory cache.
package changestore

import "context"

// Buckets partition the keyspace by record type.
const (
	BucketFields    = "fields"
	BucketChanges   = "changes"
	BucketConflicts = "conflicts"
	BucketMeta      = "meta"
)

// metaField is the field key under which EntityMeta is stored.
const metaField = "entity"

// Key addresses one stored record.
type Key struct {
	Bucket   string
	EntityID string
	Field    string
}

// Op is one write in an atomic batch.
type Op struct {
	Key    Key
	Value  []byte
	Delete bool
}

// Backend is durable keyed storage. Apply must be atomic: after a crash
// either every op of a call is visible or none is. A nil error from Apply
// means the ops are durable.
type Backend interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	// List returns every record of one entity in a bucket keyed by field.
	List(ctx context.Context, bucket, entityID string) (map[string][]byte, error)
	Apply(ctx context.Context, ops []Op) error
	// Entities returns the ids of all entities with stored records.
	Entities(ctx context.Context) ([]string, error)
	Close() error
}
