package kv

import "github.com/cuemby/portal/pkg/future"

// OpType identifies a single operation within a Batch.
type OpType int

const (
	// OpPut writes Key/Value.
	OpPut OpType = iota
	// OpDelete removes Key.
	OpDelete
)

// Op is one put or delete within an atomic batch.
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte
}

// Pair is a key/value result from a range scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// IterOptions bounds a range scan. A nil bound is unset. Values controls
// whether Pair.Value is populated (callers that only need keys, such as
// Index.GetInstanceIds, can set it false to skip a copy).
type IterOptions struct {
	GT, GTE []byte
	LT, LTE []byte
	Values  bool
}

// Iterator walks a range in ascending key order. Keys and values returned
// by Pair are owned by the caller; the underlying engine never mutates
// them after they are yielded.
type Iterator interface {
	Next() bool
	Pair() Pair
	Err() error
	Close() error
}

// Table is one named, ordered key-value table (§6). Implementations must
// preserve lexicographic key order for Iterable and must make Batch
// atomic: either every op in the batch is durable or none is.
type Table interface {
	Name() string

	// Get returns nil, nil if key is absent.
	Get(key []byte) ([]byte, error)
	// GetSync is the synchronous equivalent used by callers already
	// inside a suspension point (e.g. the write batcher's read-with-pending
	// path, which never needs to yield further).
	GetSync(key []byte) ([]byte, error)

	// Put writes a single key outside of a batch.
	Put(key, value []byte) error
	// RemoveSync deletes a single key outside of a batch.
	RemoveSync(key []byte) error

	// Batch applies every op atomically and returns a handle resolved
	// once the write is durable (or has failed).
	Batch(ops []Op) *future.Handle

	// Iterable opens a range scan per opts.
	Iterable(opts IterOptions) (Iterator, error)

	// Clear removes every key in the table.
	Clear() error

	// WaitForAllWrites blocks until every write issued so far against
	// this table is durable, so a subsequent Iterable sees them.
	WaitForAllWrites() error
}

// Engine opens named tables backed by a single physical database.
type Engine interface {
	Open(name string) (Table, error)
	Close() error
}
