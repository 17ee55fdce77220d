package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/resumesub/internal/auth"
	"github.com/rickgao/resumesub/internal/frame"
	"github.com/rickgao/resumesub/internal/report"
	"golang.org/x/sync/singleflight"
)

// Connection owns the single transport to the stream server.
type Connection struct {
	cfg      Config
	logger   *slog.Logger
	tokens   auth.Provider
	reporter report.Reporter

	// Concurrent Open calls share one attempt.
	opens singleflight.Group

	// Lifetime context for frame handlers and reconnect hooks.
	ctx context.Context

	mu       sync.Mutex
	state    State
	client   Client
	gen      uint64 // bumped whenever client changes; stale read loops exit quietly
	manual   bool   // Close was called; suppresses reconnects
	timer    *time.Timer
	backoff  *Backoff
	handlers []Handler
	hooks    []func(ctx context.Context)
	opened   bool // at least one successful open

	// Stats
	openCount     atomic.Int64
	reconnects    atomic.Int64
	drops         atomic.Int64
	framesIn      atomic.Int64
	framesOut     atomic.Int64
	invalidFrames atomic.Int64
}

// New creates a Connection in state Closed. tokens is called on every
// connect attempt. reporter may be nil.
func New(cfg Config, tokens auth.Provider, reporter report.Reporter, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = report.Discard{}
	}

	return &Connection{
		cfg:      cfg,
		logger:   logger.With("component", "connection"),
		tokens:   tokens,
		reporter: reporter,
		ctx:      context.Background(),
		state:    StateClosed,
		backoff:  NewBackoff(cfg.ReconnectTimeout, cfg.MaxReconnectTimeout),
	}
}

// AddHandler registers a frame handler. Handlers run in registration order.
func (c *Connection) AddHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnReconnect registers a hook that runs after every successful open except
// the first one, before Open returns.
func (c *Connection) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open connects if not already open. Concurrent callers share one attempt.
// A failed attempt leaves the connection Closed, reports connection_error
// and returns the error.
func (c *Connection) Open(ctx context.Context) error {
	if c.State() == StateOpen {
		return nil
	}

	c.mu.Lock()
	c.manual = false
	c.mu.Unlock()

	_, err, _ := c.opens.Do("open", func() (any, error) {
		return nil, c.connect(ctx, false)
	})
	return err
}

// connect performs one attempt. A reconnect attempt is abandoned if Close
// was called in the meantime.
func (c *Connection) connect(ctx context.Context, reconnect bool) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if reconnect && c.manual {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	token, err := c.tokens(ctx)
	if err != nil {
		c.setState(StateClosed)
		c.reporter.Report(report.CodeConnection, "credential provider failed", err)
		return fmt.Errorf("acquire credential: %w", err)
	}

	client := NewClient(c.cfg.Client, c.logger)
	if err := client.Connect(ctx, token); err != nil {
		c.setState(StateClosed)
		c.reporter.Report(report.CodeConnection, "connect failed", err)
		return fmt.Errorf("connect %s: %w", c.cfg.Client.URL, err)
	}

	c.mu.Lock()
	if c.manual {
		c.state = StateClosed
		c.mu.Unlock()
		client.Close(NormalClosure, "")
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.client = client
	c.state = StateOpen
	c.backoff.Reset()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	first := !c.opened
	c.opened = true
	hooks := append([]func(context.Context){}, c.hooks...)
	c.mu.Unlock()

	c.openCount.Add(1)
	c.logger.Info("connection open", "url", c.cfg.Client.URL, "reconnect", reconnect)

	go c.readLoop(gen, client)

	if !first {
		for _, fn := range hooks {
			fn(c.ctx)
		}
	}
	return nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readLoop decodes frames from one client until it ends.
func (c *Connection) readLoop(gen uint64, client Client) {
	for data := range client.Messages() {
		if !c.current(gen) {
			return
		}
		c.handleMessage(data)
	}
	c.handleDrop(gen, client.Err())
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Connection) handleMessage(data []byte) {
	c.framesIn.Add(1)

	f, err := frame.Decode(data)
	if err != nil {
		c.invalidFrames.Add(1)
		c.reporter.Report(report.CodeInvalidFrame, "unparseable frame", err)
		return
	}

	if ef, ok := f.(*frame.Error); ok {
		c.reporter.Report(report.CodeServer,
			fmt.Sprintf("server error %s: %s", ef.Code, ef.Message), nil)
	}

	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()

	for _, h := range handlers {
		h(c.ctx, f)
	}
}

// handleDrop settles an unsolicited close: Closed for good on a normal
// closure or with reconnection disabled, otherwise Closed with one
// reconnect timer armed.
func (c *Connection) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.client = nil
	c.state = StateClosed
	c.drops.Add(1)

	code := closeCode(err)
	if c.manual || code == NormalClosure || !c.cfg.ShouldReconnect {
		c.mu.Unlock()
		c.logger.Info("connection closed by server", "code", code, "error", err)
		return
	}

	delay := c.backoff.Next()
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.reporter.Report(report.CodeConnection, "connection lost", err)
	c.logger.Warn("connection lost, reconnect scheduled", "code", code, "delay", delay)
}

// reconnect runs on the backoff timer.
func (c *Connection) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.manual || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.reconnects.Add(1)
	_, err, _ := c.opens.Do("open", func() (any, error) {
		return nil, c.connect(c.ctx, true)
	})
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual || c.state != StateClosed || c.timer != nil {
		return
	}
	delay := c.backoff.Next()
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.logger.Warn("reconnect failed, retry scheduled", "delay", delay, "error", err)
}

// closeCode extracts the websocket close code, or -1 for a transport error.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// SendFrame encodes and sends f. Requires state Open; nothing is queued.
func (c *Connection) SendFrame(f frame.Frame) error {
	c.mu.Lock()
	client := c.client
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || client == nil {
		return ErrNotOpen
	}

	data, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	if err := client.Send(data); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type(), err)
	}
	c.framesOut.Add(1)
	return nil
}

// Produce opens the connection if needed and publishes data to destination.
// It is not retried.
func (c *Connection) Produce(ctx context.Context, destination string, data json.RawMessage) error {
	if err := c.Open(ctx); err != nil {
		c.reporter.Report(report.CodeProduce, "open for publish failed", err)
		return err
	}

	err := c.SendFrame(&frame.Publish{
		V:           frame.Version,
		Destination: destination,
		Data:        data,
	})
	if err != nil {
		c.reporter.Report(report.CodeProduce, "publish to "+destination+" failed", err)
		return err
	}
	return nil
}

// Close shuts the connection down with code and reason (NormalClosure when
// code is 0). It stops any pending reconnect, clears the frame handlers and
// returns once the state is Closed. In-flight sends are not awaited.
func (c *Connection) Close(code int, reason string) error {
	if code == 0 {
		code = NormalClosure
	}

	c.mu.Lock()
	c.manual = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	client := c.client
	c.client = nil
	c.gen++
	c.handlers = nil
	c.state = StateClosing
	c.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close(code, reason)
	}

	c.setState(StateClosed)
	c.logger.Info("connection closed", "code", code, "reason", reason)
	return err
}

// Stats returns current statistics.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	state := c.state
	next := c.backoff.Peek()
	c.mu.Unlock()

	return Stats{
		State:         state,
		Opens:         c.openCount.Load(),
		Reconnects:    c.reconnects.Load(),
		Drops:         c.drops.Load(),
		FramesIn:      c.framesIn.Load(),
		FramesOut:     c.framesOut.Load(),
		InvalidFrames: c.invalidFrames.Load(),
		NextBackoff:   next,
	}
}
