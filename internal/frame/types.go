package frame

import (
	"encoding/json"
	"strconv"

	"github.com/rickgao/resumesub/internal/model"
)

// Version is the protocol version stamped on publish/subscribe frames and
// carried by server frames.
const Version = 3

// Type is the frame discriminant.
type Type string

const (
	TypeSubscribe Type = "subscribe"
	TypePublish   Type = "publish"
	TypeSuback    Type = "suback"
	TypeEvent     Type = "event"
	TypeOnSrc     Type = "onsrc"
	TypeError     Type = "error"
)

// CacheMode is the replay preference forwarded on subscribe.
type CacheMode string

const (
	CacheNever CacheMode = "never"
	CacheEnd   CacheMode = "end"
	CacheStart CacheMode = "start"
)

// Valid reports whether m is one of the recognized modes.
func (m CacheMode) Valid() bool {
	switch m {
	case CacheNever, CacheEnd, CacheStart:
		return true
	}
	return false
}

// Frame is implemented by every frame variant. The set is closed.
type Frame interface {
	Type() Type
	isFrame()
}

// Subscribe asks the server to start or resume a destination (client→server).
type Subscribe struct {
	V           int       `json:"v,omitempty"`
	Destination string    `json:"destination"`
	CID         string    `json:"cid"`
	SID         string    `json:"sid,omitempty"`
	GID         string    `json:"gid,omitempty"`
	Cache       CacheMode `json:"cache,omitempty"`
}

// Publish carries an application payload to a destination (client→server).
type Publish struct {
	V           int             `json:"v"`
	Destination string          `json:"destination"`
	Data        json.RawMessage `json:"data"`
}

// Suback acknowledges a subscribe and issues the authoritative sid
// (server→client). CID and Destination are optional on the wire.
type Suback struct {
	V           int    `json:"v"`
	SID         string `json:"sid"`
	CID         string `json:"cid,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// Event delivers a batch produced by source Src (server→client).
type Event struct {
	V     int          `json:"v"`
	Src   model.Source `json:"src"`
	Batch model.Batch  `json:"batch"`
	SID   string       `json:"sid"`
}

// SessionID returns the sid stamped on the frame, falling back to the batch.
func (e *Event) SessionID() string {
	if e.SID != "" {
		return e.SID
	}
	return e.Batch.SID
}

// OnSrc signals that the active source for a sid changed (server→client).
type OnSrc struct {
	V   int          `json:"v"`
	Src model.Source `json:"src"`
	SID string       `json:"sid"`
}

// Error is a server-reported failure (server→client).
type Error struct {
	V       int       `json:"v"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (*Subscribe) Type() Type { return TypeSubscribe }
func (*Publish) Type() Type   { return TypePublish }
func (*Suback) Type() Type    { return TypeSuback }
func (*Event) Type() Type     { return TypeEvent }
func (*OnSrc) Type() Type     { return TypeOnSrc }
func (*Error) Type() Type     { return TypeError }

func (*Subscribe) isFrame() {}
func (*Publish) isFrame()   {}
func (*Suback) isFrame()    {}
func (*Event) isFrame()     {}
func (*OnSrc) isFrame()     {}
func (*Error) isFrame()     {}

// ErrorCode accepts either a JSON string or number.
type ErrorCode string

// UnmarshalJSON implements json.Unmarshaler.
func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ErrorCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = ErrorCode(n.String())
	return nil
}

// Int returns the numeric form of the code, or 0 if it is not numeric.
func (c ErrorCode) Int() int {
	n, _ := strconv.Atoi(string(c))
	return n
}
