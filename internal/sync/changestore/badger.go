package changestore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
)

// BadgerBackend stores records under "bucket/entity/field" keys.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a badger database in dir with synchronous writes.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	return openBadger(opts)
}

// OpenBadgerInMemory opens a non-durable badger database for tests.
func OpenBadgerInMemory() (*BadgerBackend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerBackend, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func badgerKey(k Key) []byte {
	return []byte(k.Bucket + "/" + k.EntityID + "/" + k.Field)
}

func badgerPrefix(bucket, entityID string) []byte {
	return []byte(bucket + "/" + entityID + "/")
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var result []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// List implements Backend.
func (b *BadgerBackend) List(ctx context.Context, bucket, entityID string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := badgerPrefix(bucket, entityID)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(bytes.TrimPrefix(item.Key(), prefix))] = value
		}
		return nil
	})
	return out, err
}

// Apply implements Backend in one transaction.
func (b *BadgerBackend) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				err = txn.Delete(badgerKey(op.Key))
			} else {
				err = txn.Set(badgerKey(op.Key), op.Value)
			}
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", badgerKey(op.Key), err)
			}
		}
		return nil
	})
}

// Entities implements Backend.
func (b *BadgerBackend) Entities(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			parts := bytes.SplitN(it.Item().Key(), []byte("/"), 3)
			if len(parts) == 3 {
				seen[string(parts[1])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
