// Package pebblestore provides a thin wrapper around Pebble used by the local
// session store and the replay cache.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: "./resumesub-cache"})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(b)
//	b.Close()
//
// An empty DataDir (or InMemory) opens a volatile in-memory database.
package pebblestore
