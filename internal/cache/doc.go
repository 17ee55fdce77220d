// Package cache implements the ReplayCache: delivered batches persisted so
// they can be replayed when a subscription's sid is reconfirmed unchanged.
//
// Keyspace (seq is a big-endian uint64 assigned in insertion order):
//
//	cache/e/{seq}                   -> JSON CacheEntry
//	cache/s/{sid}\x00{seq}          -> empty
//	cache/d/{destination}\x00{seq}  -> sid
//
// All failures are logged. Reads degrade to empty results.
package cache
