package kv

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/log"
)

// BoltEngine implements Engine on top of go.etcd.io/bbolt. bbolt's
// Update transactions are synchronous and fsync on commit, so every
// future.Handle returned here is already resolved by the time Batch
// returns — there is no background flush thread inside the engine
// itself; that scheduling lives one layer up, in the write batcher.
type BoltEngine struct {
	db *bolt.DB

	mu     sync.Mutex
	tables map[string]*boltTable
}

// OpenEngine opens (creating if necessary) a bbolt database file at
// <dataDir>/<filename>.
func OpenEngine(dataDir, filename string) (*BoltEngine, error) {
	path := filepath.Join(dataDir, filename)
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv engine: %w", err)
	}
	return &BoltEngine{db: db, tables: make(map[string]*boltTable)}, nil
}

// Open returns the named table, creating its backing bucket on first use.
func (e *BoltEngine) Open(name string) (Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.tables[name]; ok {
		return t, nil
	}

	bucket := []byte(name)
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open table %q: %w", name, err)
	}

	t := &boltTable{db: e.db, name: name, bucket: bucket}
	e.tables[name] = t
	return t, nil
}

// Close closes the underlying database file.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}

type boltTable struct {
	db     *bolt.DB
	name   string
	bucket []byte
}

func (t *boltTable) Name() string { return t.name }

func (t *boltTable) Get(key []byte) ([]byte, error) {
	return t.GetSync(key)
}

func (t *boltTable) GetSync(key []byte) ([]byte, error) {
	var out []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(t.bucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (t *boltTable) Put(key, value []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Put(key, value)
	})
}

func (t *boltTable) RemoveSync(key []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Delete(key)
	})
}

func (t *boltTable) Batch(ops []Op) *future.Handle {
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		for _, op := range ops {
			switch op.Type {
			case OpPut:
				if err := b.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		log.WithComponent("kv").Error().Err(err).Str("table", t.name).Msg("batch write failed")
	}
	return future.Resolved(err)
}

func (t *boltTable) Iterable(opts IterOptions) (Iterator, error) {
	var pairs []Pair
	err := t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(t.bucket).Cursor()

		var k, v []byte
		if opts.GTE != nil {
			k, v = c.Seek(opts.GTE)
		} else if opts.GT != nil {
			k, v = c.Seek(opts.GT)
			if k != nil && bytes.Equal(k, opts.GT) {
				k, v = c.Next()
			}
		} else {
			k, v = c.First()
		}

		for ; k != nil; k, v = c.Next() {
			if opts.LT != nil && bytes.Compare(k, opts.LT) >= 0 {
				break
			}
			if opts.LTE != nil && bytes.Compare(k, opts.LTE) > 0 {
				break
			}
			pair := Pair{Key: append([]byte(nil), k...)}
			if opts.Values {
				pair.Value = append([]byte(nil), v...)
			}
			pairs = append(pairs, pair)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{pairs: pairs, idx: -1}, nil
}

func (t *boltTable) Clear() error {
	return t.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(t.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(t.bucket)
		return err
	})
}

// WaitForAllWrites is a no-op: every Put/Batch call above already blocked
// until its transaction committed, so there is nothing outstanding by
// the time control returns to the caller.
func (t *boltTable) WaitForAllWrites() error {
	return nil
}

type sliceIterator struct {
	pairs []Pair
	idx   int
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.pairs)
}

func (it *sliceIterator) Pair() Pair {
	return it.pairs[it.idx]
}

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error { return nil }
