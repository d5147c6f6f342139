package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"geofuse/internal/cache"
	"geofuse/pkg/platform/sentinel"
)

var badgerPrefix = []byte("cache/")

// Badger is an embedded durable cache tier for single-node deployments.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database in dir. An empty dir opens an
// in-memory database, which is only useful for tests.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func badgerKey(key string) []byte {
	return append(append([]byte{}, badgerPrefix...), key...)
}

func (b *Badger) Get(_ context.Context, key string) (cache.Record, error) {
	var rec cache.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cache.Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return cache.Record{}, fmt.Errorf("badger get %s: %w", key, err)
	}
	return rec, nil
}

func (b *Badger) Put(_ context.Context, key string, rec cache.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger encode %s: %w", key, err)
	}
	k := badgerKey(key)

	err = b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var cur cache.Record
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err != nil {
				return err
			}
			if cur.UpdatedAt.After(rec.UpdatedAt) {
				return nil
			}
		}
		return txn.Set(k, val)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

// Sweep removes records last updated before cutoff. Candidates are found in a
// read-only scan and each one is re-checked inside its own update transaction,
// so a record refreshed by a concurrent Put survives.
func (b *Badger) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	candidates, err := b.expiredKeys(cutoff)
	if err != nil {
		return 0, fmt.Errorf("badger sweep scan: %w", err)
	}

	removed := 0
	for _, k := range candidates {
		ok, err := b.deleteIfExpired(k, cutoff)
		if err != nil {
			return removed, fmt.Errorf("badger sweep delete %s: %w", k[len(badgerPrefix):], err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (b *Badger) expiredKeys(cutoff time.Time) ([][]byte, error) {
	var expired [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec cache.Record
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			if rec.UpdatedAt.Before(cutoff) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	return expired, err
}

// deleteIfExpired deletes k only if it still holds a record older than cutoff.
// A conflict with a concurrent writer means the key was refreshed and is kept.
func (b *Badger) deleteIfExpired(k []byte, cutoff time.Time) (bool, error) {
	deleted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec cache.Record
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return err
		}
		if !rec.UpdatedAt.Before(cutoff) {
			return nil
		}
		deleted = true
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}
