package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/resumesub/internal/model"
	pebblestore "github.com/rickgao/resumesub/internal/storage/pebble"
)

// Keyspace layout (NUL separates opaque segments):
// - session/d/{destination}        -> JSON SessionRecord
// - session/s/{sid}\x00{destination} -> empty (reverse index)
var (
	recordPrefix = []byte("session/d/")
	sidPrefix    = []byte("session/s/")
)

func recordKey(destination string) []byte {
	k := make([]byte, 0, len(recordPrefix)+len(destination))
	k = append(k, recordPrefix...)
	return append(k, destination...)
}

func sidIndexPrefix(sid string) []byte {
	k := make([]byte, 0, len(sidPrefix)+len(sid)+1)
	k = append(k, sidPrefix...)
	k = append(k, sid...)
	return append(k, 0)
}

func sidIndexKey(sid, destination string) []byte {
	return append(sidIndexPrefix(sid), destination...)
}

// PebbleStore keeps session records in an embedded Pebble database.
type PebbleStore struct {
	db     *pebblestore.DB
	owned  bool
	logger *slog.Logger

	// Serializes read-modify-write sequences against the same keys.
	mu sync.Mutex
}

// NewPebbleStore wraps an open database. The caller keeps ownership of db.
func NewPebbleStore(db *pebblestore.DB, logger *slog.Logger) *PebbleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PebbleStore{
		db:     db,
		logger: logger.With("component", "session_store"),
	}
}

// OpenPebbleStore opens a database at dir (in-memory when empty) owned by
// the returned store.
func OpenPebbleStore(dir string, logger *slog.Logger) (*PebbleStore, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	s := NewPebbleStore(db, logger)
	s.owned = true
	return s, nil
}

// Get returns the record for destination, or nil if none exists.
func (s *PebbleStore) Get(ctx context.Context, destination string) (*model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(destination)
}

func (s *PebbleStore) get(destination string) (*model.SessionRecord, error) {
	data, err := s.db.Get(recordKey(destination))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to read session record", "destination", destination, "error", err)
		return nil, fmt.Errorf("get session %q: %w", destination, err)
	}

	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Error("corrupt session record", "destination", destination, "error", err)
		return nil, fmt.Errorf("decode session %q: %w", destination, err)
	}
	return &rec, nil
}

// Put creates or overwrites the record for destination with a cleared cursor.
func (s *PebbleStore) Put(ctx context.Context, sid, destination string) error {
	if err := validatePut(sid, destination); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(destination)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if prev != nil && prev.SID != sid {
		_ = b.Delete(sidIndexKey(prev.SID, destination), nil)
	}
	data, _ := json.Marshal(model.SessionRecord{Destination: destination, SID: sid})
	_ = b.Set(recordKey(destination), data, nil)
	_ = b.Set(sidIndexKey(sid, destination), nil, nil)

	if err := s.db.CommitBatch(b); err != nil {
		s.logger.Error("failed to write session record", "destination", destination, "sid", sid, "error", err)
		return fmt.Errorf("put session %q: %w", destination, err)
	}
	return nil
}

// AdvanceCursor stores gid as the destination's cursor. No-op without a record.
func (s *PebbleStore) AdvanceCursor(ctx context.Context, destination, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(destination)
	if err != nil || rec == nil {
		return err
	}

	rec.GID = gid
	data, _ := json.Marshal(rec)
	if err := s.db.Set(recordKey(destination), data); err != nil {
		s.logger.Error("failed to advance cursor", "destination", destination, "gid", gid, "error", err)
		return fmt.Errorf("advance cursor %q: %w", destination, err)
	}
	return nil
}

// Delete removes the destination's record.
func (s *PebbleStore) Delete(ctx context.Context, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(destination)
	if err != nil || rec == nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(recordKey(destination), nil)
	_ = b.Delete(sidIndexKey(rec.SID, destination), nil)

	if err := s.db.CommitBatch(b); err != nil {
		s.logger.Error("failed to delete session record", "destination", destination, "error", err)
		return fmt.Errorf("delete session %q: %w", destination, err)
	}
	return nil
}

// ListDestinations returns every destination whose record carries sid.
func (s *PebbleStore) ListDestinations(ctx context.Context, sid string) ([]string, error) {
	prefix := sidIndexPrefix(sid)
	it, err := s.db.PrefixIter(prefix)
	if err != nil {
		s.logger.Error("failed to scan sid index", "sid", sid, "error", err)
		return nil, fmt.Errorf("list destinations for %q: %w", sid, err)
	}
	defer it.Close()

	var out []string
	for it.First(); it.Valid(); it.Next() {
		out = append(out, string(it.Key()[len(prefix):]))
	}
	return out, it.Error()
}

// Close closes the database if the store opened it.
func (s *PebbleStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
