// Package badgercache implements resultcache.ResultCache on top of
// BadgerDB, grounded on the teacher's own BadgerStore
// (datalog/storage/badger_store.go): badger.DefaultOptions + badger.Open,
// db.Update/db.View transactions. Unlike the teacher's store, this package
// has a single flat keyspace (no datom indices) and leans on badger's own
// entry TTL instead of a manual expiry index.
package badgercache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cliftonc/drizzle-cube-sub010/query"
)

func init() {
	// gob needs every concrete type that flows through a Result's
	// map[string]interface{} row data registered up front; these cover the
	// scalar types adapters (postgres, gorm) return for measure/dimension
	// values.
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register(time.Time{})
}

// Cache is a BadgerDB-backed resultcache.ResultCache.
type Cache struct {
	db *badger.DB
}

// Open opens (creating if needed) a BadgerDB store at path. Badger's own
// internal logger is disabled, matching the teacher's NewBadgerStore.
func Open(path string) (*Cache, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgercache: open: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get decodes a previously stored Result, returning (nil, false, nil) on a
// cache miss rather than an error.
func (c *Cache) Get(ctx context.Context, key string) (*query.Result, bool, error) {
	var result query.Result
	var found bool

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&result)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("badgercache: get %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	return &result, true, nil
}

// Set stores result under key with the given TTL. A zero ttl means no
// expiry, matching badger's own WithTTL(0) semantics.
func (c *Cache) Set(ctx context.Context, key string, result *query.Result, ttl time.Duration) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(result); err != nil {
		return fmt.Errorf("badgercache: encode: %w", err)
	}

	entry := badger.NewEntry([]byte(key), buf.Bytes())
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badgercache: set %q: %w", key, err)
	}
	return nil
}
