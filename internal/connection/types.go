package connection

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/resumesub/internal/frame"
)

// Errors
var (
	ErrNotOpen         = errors.New("connection not open")
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrClosed          = errors.New("connection closed by caller")
)

// NormalClosure is the close code that marks an intentional shutdown. A
// connection closed with it is never reconnected.
const NormalClosure = websocket.CloseNormalClosure

// State is the connection lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler receives every decoded inbound frame, one at a time, in arrival
// order. A handler must not block for long: the next frame is not read until
// every handler has returned.
type Handler func(ctx context.Context, f frame.Frame)

// ClientConfig configures a websocket client.
type ClientConfig struct {
	URL              string        // Stream URL, ws:// or wss://
	UserAgent        string        // Sent on the handshake
	HandshakeTimeout time.Duration // Upper bound for the websocket handshake
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// Config configures a Connection.
type Config struct {
	Client ClientConfig

	ReconnectTimeout    time.Duration // Initial backoff delay
	MaxReconnectTimeout time.Duration // Backoff ceiling
	ShouldReconnect     bool
	ConnectTimeout      time.Duration // Bounds credential acquisition plus handshake
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Client:              DefaultClientConfig(),
		ReconnectTimeout:    1 * time.Second,
		MaxReconnectTimeout: 10 * time.Second,
		ShouldReconnect:     true,
		ConnectTimeout:      10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	State         State
	Opens         int64 // successful opens, including reconnects
	Reconnects    int64 // reconnect attempts started by the backoff timer
	Drops         int64 // unsolicited closes
	FramesIn      int64
	FramesOut     int64
	InvalidFrames int64
	NextBackoff   time.Duration
}
