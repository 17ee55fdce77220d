package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/resumesub/internal/auth"
	"github.com/rickgao/resumesub/internal/cache"
	"github.com/rickgao/resumesub/internal/config"
	"github.com/rickgao/resumesub/internal/connection"
	"github.com/rickgao/resumesub/internal/database"
	"github.com/rickgao/resumesub/internal/frame"
	"github.com/rickgao/resumesub/internal/keylock"
	"github.com/rickgao/resumesub/internal/report"
	"github.com/rickgao/resumesub/internal/router"
	"github.com/rickgao/resumesub/internal/session"
	"github.com/rickgao/resumesub/internal/source"
	pebblestore "github.com/rickgao/resumesub/internal/storage/pebble"
	"github.com/rickgao/resumesub/internal/subscription"
	"github.com/rickgao/resumesub/internal/version"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("client: closed")

const stopTimeout = 5 * time.Second

// Listener receives delivered event payloads for a destination.
type Listener = router.Listener

// Error is a report from the central error channel.
type Error = report.Error

// NewListener adapts a function to a Listener.
func NewListener(fn func(destination string, payloads []json.RawMessage)) Listener {
	return router.NewListener(fn)
}

// Options carries programmatic collaborators that cannot come from a file.
type Options struct {
	// TokenProvider supplies a credential for every connect. When nil the
	// credential source of the configuration is used.
	TokenProvider auth.Provider
	Logger        *slog.Logger
}

// Stats aggregates the statistics of every component.
type Stats struct {
	Connection   connection.Stats
	Subscription subscription.Stats
	Router       router.Stats
	Sources      source.Stats
}

// Client is a durable pub/sub session.
type Client struct {
	logger *slog.Logger

	sink      *report.Sink
	conn      *connection.Connection
	subs      *subscription.Manager
	processor *router.Processor
	sources   *source.Manager
	store     session.Store
	cache     *cache.Cache
	db        *pebblestore.DB // nil with the postgres driver

	mu     sync.Mutex
	closed bool

	// Held shared by frame handling; Close takes it exclusively before
	// releasing storage so no handler touches a closed database.
	frames   sync.RWMutex
	draining bool
}

// New builds a Client from cfg. Defaults are applied to a copy of cfg and the
// result is validated. No connection is opened until the first Subscribe or
// Produce.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tokens := opts.TokenProvider
	if tokens == nil {
		p, err := auth.FromConfig(&c)
		if err != nil {
			return nil, err
		}
		tokens = p
	}

	cl := &Client{logger: logger}
	if err := cl.openStorage(ctx, &c, logger); err != nil {
		return nil, err
	}

	cl.sink = report.NewSink(c.ErrorBuffer, logger.With("component", "errors"))
	cl.sources = source.NewManager(logger)
	locks := &keylock.Map{}

	cl.processor = router.NewProcessor(router.DefaultConfig(), cl.store, cl.cache, cl.sources, locks, logger)
	if err := cl.processor.Start(ctx); err != nil {
		cl.closeStorage()
		return nil, fmt.Errorf("start processor: %w", err)
	}

	connCfg := connection.DefaultConfig()
	connCfg.Client.URL = c.URL
	connCfg.Client.UserAgent = version.UserAgent()
	connCfg.ReconnectTimeout = c.ReconnectTimeout
	connCfg.MaxReconnectTimeout = c.MaxReconnectTimeout
	connCfg.ShouldReconnect = c.Reconnect()
	connCfg.ConnectTimeout = c.ConnectTimeout
	cl.conn = connection.New(connCfg, tokens, cl.sink, logger)

	subCfg := subscription.DefaultConfig()
	subCfg.CacheMode = frame.CacheMode(c.CacheMode)
	subCfg.SubscribeTimeout = c.SubscribeTimeout
	cl.subs = subscription.NewManager(subCfg, subscription.Deps{
		Conn:      cl.conn,
		Store:     cl.store,
		Cache:     cl.cache,
		Processor: cl.processor,
		Sources:   cl.sources,
		Locks:     locks,
		Reporter:  cl.sink,
	}, logger)

	cl.conn.AddHandler(cl.handleFrame)
	cl.conn.OnReconnect(cl.resubscribe)

	logger.Info("client ready",
		"url", c.URL,
		"store", c.Store.Driver,
		"cache_enabled", c.Caching(),
		"cache_mode", c.CacheMode,
		"version", version.Version,
	)
	return cl, nil
}

// NewFromFile loads a YAML or TOML configuration file and builds a Client.
func NewFromFile(ctx context.Context, path string, opts Options) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts)
}

func (cl *Client) openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.CacheDBName})
	if err != nil {
		return fmt.Errorf("open pebble: %w", err)
	}
	cl.db = db
	cl.cache = cache.New(db, cfg.Caching(), logger)

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := database.Connect(ctx, cfg.Store.Postgres)
		if err != nil {
			db.Close()
			return err
		}
		pg := session.NewPostgresStore(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			db.Close()
			return err
		}
		cl.store = pg
	default:
		cl.store = session.NewPebbleStore(db, logger)
	}
	return nil
}

func (cl *Client) closeStorage() error {
	var errs []error
	if cl.store != nil {
		errs = append(errs, cl.store.Close())
	}
	if cl.cache != nil {
		errs = append(errs, cl.cache.Close())
	}
	if cl.db != nil {
		errs = append(errs, cl.db.Close())
	}
	return errors.Join(errs...)
}

func (cl *Client) handleFrame(ctx context.Context, f frame.Frame) {
	cl.frames.RLock()
	defer cl.frames.RUnlock()
	if cl.draining {
		return
	}
	cl.subs.HandleFrame(ctx, f)
}

func (cl *Client) resubscribe(ctx context.Context) {
	cl.frames.RLock()
	defer cl.frames.RUnlock()
	if cl.draining {
		return
	}
	cl.subs.Resubscribe(ctx)
}

func (cl *Client) isClosed() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.closed
}

// Subscribe registers l (when non-nil) for destinations and subscribes to
// them, resuming any stored session. It returns once the requests are sent;
// acknowledgments arrive asynchronously.
func (cl *Client) Subscribe(ctx context.Context, destinations []string, l Listener) error {
	if cl.isClosed() {
		return ErrClosed
	}
	if l != nil {
		cl.processor.AddListener(destinations, l)
	}
	return cl.subs.Subscribe(ctx, destinations)
}

// OnEvent registers l for destinations without subscribing.
func (cl *Client) OnEvent(destinations []string, l Listener) {
	cl.processor.AddListener(destinations, l)
}

// RemoveListener unregisters l from destinations.
func (cl *Client) RemoveListener(destinations []string, l Listener) {
	cl.processor.RemoveListener(destinations, l)
}

// Produce publishes an already encoded JSON value to destination.
func (cl *Client) Produce(ctx context.Context, destination string, data json.RawMessage) error {
	if cl.isClosed() {
		return ErrClosed
	}
	return cl.conn.Produce(ctx, destination, data)
}

// PublishJSON marshals v and publishes it to destination.
func (cl *Client) PublishJSON(ctx context.Context, destination string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		cl.sink.Report(report.CodeProduce, "marshal payload for "+destination, err)
		return fmt.Errorf("marshal payload: %w", err)
	}
	return cl.Produce(ctx, destination, data)
}

// PublishBatch publishes each value as its own frame, in order, stopping at
// the first failure.
func (cl *Client) PublishBatch(ctx context.Context, destination string, values []any) error {
	for i, v := range values {
		if err := cl.PublishJSON(ctx, destination, v); err != nil {
			return fmt.Errorf("publish %d of %d: %w", i+1, len(values), err)
		}
	}
	return nil
}

// ClearCache drops every cached batch. Stored sessions and cursors are kept.
func (cl *Client) ClearCache() {
	cl.cache.ClearAll()
}

// Errors returns the central error channel. It is closed by Close.
func (cl *Client) Errors() <-chan *Error {
	return cl.sink.Errors()
}

// State returns the connection state.
func (cl *Client) State() connection.State {
	return cl.conn.State()
}

// Close closes the connection with code and reason (normal closure when code
// is 0), drains the cache writer and releases storage. Later calls return
// ErrClosed.
func (cl *Client) Close(code int, reason string) error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return ErrClosed
	}
	cl.closed = true
	cl.mu.Unlock()

	var errs []error
	if err := cl.conn.Close(code, reason); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	cl.subs.Close()

	cl.frames.Lock()
	cl.draining = true
	cl.frames.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := cl.processor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop processor: %w", err))
	}

	if err := cl.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	cl.sink.Close()

	cl.logger.Info("client closed")
	return errors.Join(errs...)
}

// Stats returns current statistics.
func (cl *Client) Stats() Stats {
	return Stats{
		Connection:   cl.conn.Stats(),
		Subscription: cl.subs.Stats(),
		Router:       cl.processor.Stats(),
		Sources:      cl.sources.Stats(),
	}
}
