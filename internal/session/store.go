package session

import (
	"context"
	"errors"

	"github.com/rickgao/resumesub/internal/model"
)

// Errors
var (
	ErrEmptyDestination = errors.New("session: empty destination")
	ErrEmptySID         = errors.New("session: empty sid")
)

// Store persists one SessionRecord per destination.
type Store interface {
	// Get returns the record for destination, or nil if none exists.
	Get(ctx context.Context, destination string) (*model.SessionRecord, error)

	// Put creates or overwrites the record for destination with a cleared cursor.
	Put(ctx context.Context, sid, destination string) error

	// AdvanceCursor stores gid as the destination's cursor. No-op without a record.
	AdvanceCursor(ctx context.Context, destination, gid string) error

	// Delete removes the destination's record.
	Delete(ctx context.Context, destination string) error

	// ListDestinations returns every destination whose record carries sid.
	ListDestinations(ctx context.Context, sid string) ([]string, error)

	// Close releases the underlying engine.
	Close() error
}

func validatePut(sid, destination string) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	if sid == "" {
		return ErrEmptySID
	}
	return nil
}
