package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/resumesub/internal/frame"
	"github.com/rickgao/resumesub/internal/model"
)

// Errors
var (
	ErrNoSID = errors.New("subscription: suback without sid")
)

// Conn is the part of the connection the manager drives.
type Conn interface {
	Open(ctx context.Context) error
	SendFrame(f frame.Frame) error
}

// Cache is the part of the replay cache the manager drives.
type Cache interface {
	BySID(sid string) []model.Batch
	DeleteByDestination(destination string)
}

// Processor is the event pipeline frames are forwarded to.
type Processor interface {
	OnEventFrame(ctx context.Context, ev *frame.Event) error
	OnSourceChange(ctx context.Context, f *frame.OnSrc) int
	Replay(ctx context.Context, batches []model.Batch) error
	FlushCache()
}

// Sources drops per-sid source state after a session reset.
type Sources interface {
	Forget(sid string)
}

// Config holds configuration for the Manager.
type Config struct {
	CacheMode        frame.CacheMode // Forwarded on every subscribe
	SubscribeTimeout time.Duration   // 0 waits for the acknowledgment forever
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CacheMode: frame.CacheStart,
	}
}

// Pending is a subscribe request awaiting its acknowledgment.
type Pending struct {
	CID         string
	Destination string
	SID         string // Local sid when the request was sent
	GID         string // Local cursor when the request was sent
	SentAt      time.Time

	seq   uint64
	timer *time.Timer
}

// Stats contains runtime statistics.
type Stats struct {
	Pending      int
	Known        int   // destinations resubscribed after a reconnect
	Sent         int64 // subscribe requests sent
	Acked        int64
	Unmatched    int64 // acknowledgments with no pending request
	Resets       int64 // sessions replaced by a new sid
	Replays      int64 // reconfirmed sessions replayed from cache
	Timeouts     int64
	Resubscribes int64
}
