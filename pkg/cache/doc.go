/*
Package cache implements the process-wide, size-weighted expiration
strategy (§4.B): a single LRU shared by every class's in-memory entity
cache. Entries are tracked by recency alone; weight (typically the byte
length of an entity's serialized JSON) determines when eviction runs.
Eviction only calls the evicted entry's ClearCache callback — it never
touches the KV engine, so a dropped entry is simply reloaded on next
access.
*/
package cache
