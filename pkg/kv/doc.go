/*
Package kv defines the ordered key-value engine contract Portal is built
on (§6) and a bbolt-backed implementation of it.

A Table is the unit Portal's entity store, write batcher, and indexer
all operate against: point get, ordered range iteration (Iterable),
atomic multi-key writes (Batch), and a full clear. Buckets in a single
bbolt database file stand in for "named tables" the same way warren's
pkg/storage used one bucket per entity type:

	┌──────────────────── ORDERED KV ENGINE ────────────────────┐
	│  BoltEngine (one *bolt.DB file)                            │
	│    ├── Table "users"        (entity rows + two reserved    │
	│    │                         keys: class metadata, last    │
	│    │                         version watermark)            │
	│    ├── Table "users_by_email" (index rows)                 │
	│    └── Table "...                                          │
	└─────────────────────────────────────────────────────────────┘

bbolt's Update transactions are synchronous, so every future.Handle this
package hands back is already resolved on return; the write batcher
(pkg/store) is what actually defers and coalesces writes before calling
down into a Table.
*/
package kv
