package router

import (
	"encoding/json"

	"github.com/rickgao/resumesub/internal/model"
)

// Listener receives the payloads of a delivered batch, in batch order.
//
// Listeners are compared by identity: registering the same Listener twice
// for a destination has no effect.
type Listener interface {
	OnEvents(destination string, payloads []json.RawMessage)
}

type funcListener struct {
	fn func(destination string, payloads []json.RawMessage)
}

func (l *funcListener) OnEvents(destination string, payloads []json.RawMessage) {
	l.fn(destination, payloads)
}

// NewListener adapts a function to a Listener. Each call returns a distinct
// Listener; keep the value to remove it later.
func NewListener(fn func(destination string, payloads []json.RawMessage)) Listener {
	return &funcListener{fn: fn}
}

// Cache is the subset of the replay cache used for delivered batches.
type Cache interface {
	Enabled() bool
	Put(batch model.Batch)
}

// Config holds configuration for the Processor.
type Config struct {
	// Initial capacity of the cache write queue. The queue grows as needed.
	CacheQueueSize int // Default: 256
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CacheQueueSize: 256,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived   int64 // event frames seen
	BatchesDelivered int64 // batches dispatched to listeners
	BatchesHeld      int64 // batches held by the source manager
	BatchesReleased  int64 // held batches delivered after a failover
	BatchesReplayed  int64 // cached batches delivered after a reconfirmed sid
	BatchesDropped   int64 // malformed batches
	DeliveryErrors   int64 // store failures while delivering
	ListenerPanics   int64
	CacheQueue       int // batches waiting to be cached
}
