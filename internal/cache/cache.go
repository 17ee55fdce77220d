package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/resumesub/internal/model"
	pebblestore "github.com/rickgao/resumesub/internal/storage/pebble"
)

var (
	entryPrefix = []byte("cache/e/")
	sidPrefix   = []byte("cache/s/")
	destPrefix  = []byte("cache/d/")
)

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func entryKey(seq uint64) []byte {
	return append(append([]byte(nil), entryPrefix...), seqBytes(seq)...)
}

func indexPrefix(prefix []byte, id string) []byte {
	k := make([]byte, 0, len(prefix)+len(id)+1)
	k = append(k, prefix...)
	k = append(k, id...)
	return append(k, 0)
}

func indexKey(prefix []byte, id string, seq uint64) []byte {
	return append(indexPrefix(prefix, id), seqBytes(seq)...)
}

// Cache is the replay cache. A nil *pebblestore.DB or a disabled cache makes
// every operation a no-op.
type Cache struct {
	db      *pebblestore.DB
	owned   bool
	enabled bool
	logger  *slog.Logger

	mu  sync.Mutex // guards seq and multi-key deletes
	seq uint64
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *pebblestore.DB, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		db:      db,
		enabled: enabled,
		logger:  logger.With("component", "replay_cache"),
	}
	c.seq = c.lastSeq()
	return c
}

// Open opens a database at dir (in-memory when empty) owned by the cache.
func Open(dir string, enabled bool, logger *slog.Logger) (*Cache, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	c := New(db, enabled, logger)
	c.owned = true
	return c, nil
}

// Enabled reports whether Put stores anything.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled && c.db != nil
}

// lastSeq returns the highest stored sequence number, or 0.
func (c *Cache) lastSeq() uint64 {
	if c.db == nil {
		return 0
	}
	it, err := c.db.PrefixIter(entryPrefix)
	if err != nil {
		c.logger.Error("failed to scan cache entries", "error", err)
		return 0
	}
	defer it.Close()

	if !it.Last() {
		return 0
	}
	return binary.BigEndian.Uint64(it.Key()[len(entryPrefix):])
}

// Put stores a delivered batch under its destination and sid.
func (c *Cache) Put(batch model.Batch) {
	if !c.Enabled() {
		return
	}

	data, err := json.Marshal(model.CacheEntry{
		Destination: batch.Destination,
		SID:         batch.SID,
		Batch:       batch,
	})
	if err != nil {
		c.logger.Error("failed to encode cache entry", "destination", batch.Destination, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	b := c.db.NewBatch()
	defer b.Close()
	_ = b.Set(entryKey(seq), data, nil)
	_ = b.Set(indexKey(sidPrefix, batch.SID, seq), nil, nil)
	_ = b.Set(indexKey(destPrefix, batch.Destination, seq), []byte(batch.SID), nil)

	if err := c.db.CommitBatch(b); err != nil {
		c.logger.Error("failed to write cache entry",
			"destination", batch.Destination, "sid", batch.SID, "error", err)
		return
	}
	c.seq = seq
}

// BySID returns every cached batch for sid in insertion order.
func (c *Cache) BySID(sid string) []model.Batch {
	if c == nil || c.db == nil {
		return nil
	}

	prefix := indexPrefix(sidPrefix, sid)
	it, err := c.db.PrefixIter(prefix)
	if err != nil {
		c.logger.Error("failed to scan sid index", "sid", sid, "error", err)
		return nil
	}
	defer it.Close()

	var out []model.Batch
	for it.First(); it.Valid(); it.Next() {
		seq := binary.BigEndian.Uint64(it.Key()[len(prefix):])
		data, err := c.db.Get(entryKey(seq))
		if err != nil {
			c.logger.Error("failed to read cache entry", "sid", sid, "seq", seq, "error", err)
			return nil
		}

		var entry model.CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Error("corrupt cache entry", "sid", sid, "seq", seq, "error", err)
			return nil
		}
		out = append(out, entry.Batch)
	}
	if err := it.Error(); err != nil {
		c.logger.Error("failed to scan sid index", "sid", sid, "error", err)
		return nil
	}
	return out
}

// DeleteByDestination removes every cached batch for destination.
func (c *Cache) DeleteByDestination(destination string) {
	if c == nil || c.db == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := indexPrefix(destPrefix, destination)
	it, err := c.db.PrefixIter(prefix)
	if err != nil {
		c.logger.Error("failed to scan destination index", "destination", destination, "error", err)
		return
	}

	b := c.db.NewBatch()
	defer b.Close()

	n := 0
	for it.First(); it.Valid(); it.Next() {
		seq := binary.BigEndian.Uint64(it.Key()[len(prefix):])
		sid := string(it.Value())
		_ = b.Delete(entryKey(seq), nil)
		_ = b.Delete(indexKey(sidPrefix, sid, seq), nil)
		_ = b.Delete(append([]byte(nil), it.Key()...), nil)
		n++
	}
	if err := it.Close(); err != nil {
		c.logger.Error("failed to scan destination index", "destination", destination, "error", err)
		return
	}
	if n == 0 {
		return
	}

	if err := c.db.CommitBatch(b); err != nil {
		c.logger.Error("failed to delete cache entries", "destination", destination, "error", err)
		return
	}
	c.logger.Debug("cache entries deleted", "destination", destination, "count", n)
}

// ClearAll removes every cached batch.
func (c *Cache) ClearAll() {
	if c == nil || c.db == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{entryPrefix, sidPrefix, destPrefix} {
		_ = b.DeleteRange(prefix, pebblestore.PrefixEnd(prefix), nil)
	}
	if err := c.db.CommitBatch(b); err != nil {
		c.logger.Error("failed to clear cache", "error", err)
	}
}

// Close closes the database if the cache opened it.
func (c *Cache) Close() error {
	if c == nil || !c.owned {
		return nil
	}
	return c.db.Close()
}
