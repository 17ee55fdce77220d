package model

import "encoding/json"

// -----------------------------------------------------------------------------
// Session Types
// -----------------------------------------------------------------------------

// SessionRecord is the persisted session identity and delivery cursor for one
// destination.
type SessionRecord struct {
	Destination string `json:"destination"`   // Primary key
	SID         string `json:"sid"`           // Server-issued session token
	GID         string `json:"gid,omitempty"` // Last delivered position, empty if none
}

// HasCursor reports whether a delivery cursor has been stored.
func (r *SessionRecord) HasCursor() bool {
	return r != nil && r.GID != ""
}

// -----------------------------------------------------------------------------
// Event Types
// -----------------------------------------------------------------------------

// Event is a single server-produced event.
type Event struct {
	GID  string          `json:"gid"`  // Unique id, doubles as the cursor position
	Data json.RawMessage `json:"data"` // Opaque payload
}

// Batch is an ordered group of events for one destination, stamped with the
// sid that produced it.
type Batch struct {
	Destination string  `json:"destination"`
	GID         string  `json:"gid,omitempty"` // Newest gid as of the batch end
	Events      []Event `json:"data"`
	SID         string  `json:"sid,omitempty"`
}

// TrailingGID returns the cursor position the batch advances to: the stamped
// gid when present, otherwise the gid of the last event.
func (b Batch) TrailingGID() string {
	if b.GID != "" {
		return b.GID
	}
	if n := len(b.Events); n > 0 {
		return b.Events[n-1].GID
	}
	return ""
}

// Payloads returns the event payloads in batch order.
func (b Batch) Payloads() []json.RawMessage {
	out := make([]json.RawMessage, len(b.Events))
	for i, ev := range b.Events {
		out[i] = ev.Data
	}
	return out
}

// CacheEntry is a delivered batch persisted for replay.
type CacheEntry struct {
	Destination string `json:"destination"`
	SID         string `json:"sid"`
	Batch       Batch  `json:"batch"`
}

// -----------------------------------------------------------------------------
// Source Types
// -----------------------------------------------------------------------------

// Source tags the upstream producer generation that is authoritative for a sid.
type Source int

const (
	SourceUnknown   Source = 0 // Untagged, never held back
	SourcePrimary   Source = 1
	SourceSecondary Source = 2
)

// String returns a readable name for logs.
func (s Source) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}
