package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/resumesub/internal/frame"
	"github.com/rickgao/resumesub/internal/keylock"
	"github.com/rickgao/resumesub/internal/model"
	"github.com/rickgao/resumesub/internal/ring"
	"github.com/rickgao/resumesub/internal/session"
	"github.com/rickgao/resumesub/internal/source"
)

// ErrNoDestination is returned for a batch without a destination.
var ErrNoDestination = errors.New("router: batch has no destination")

// Processor is the EventProcessor.
type Processor struct {
	cfg     Config
	logger  *slog.Logger
	store   session.Store
	cache   Cache
	sources *source.Manager
	locks   *keylock.Map

	listeners *registry

	// Delivered batches waiting for the cache writer, in delivery order.
	cacheQueue *ring.Queue[model.Batch]
	// Held while batches move from the queue into the cache, so a flush
	// never overtakes a write already popped by the writer.
	cacheMu sync.Mutex

	// Lifecycle
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Stats
	framesReceived   atomic.Int64
	batchesDelivered atomic.Int64
	batchesHeld      atomic.Int64
	batchesReleased  atomic.Int64
	batchesReplayed  atomic.Int64
	batchesDropped   atomic.Int64
	deliveryErrors   atomic.Int64
	listenerPanics   atomic.Int64
}

// NewProcessor creates an EventProcessor. cache may be nil. locks must be the
// same Map the subscription manager uses for session mutations.
func NewProcessor(cfg Config, store session.Store, cache Cache, sources *source.Manager, locks *keylock.Map, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = &keylock.Map{}
	}

	return &Processor{
		cfg:        cfg,
		logger:     logger.With("component", "event_processor"),
		store:      store,
		cache:      cache,
		sources:    sources,
		locks:      locks,
		listeners:  newRegistry(),
		cacheQueue: ring.New[model.Batch](cfg.CacheQueueSize),
	}
}

// Start launches the cache writer.
func (p *Processor) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.cacheLoop()
	})
	return nil
}

// Stop flushes queued cache writes and stops the writer. Batches still queued
// when ctx expires are lost.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.cacheQueue.Close()
		// Make sure a never-started processor still flushes.
		p.Start(ctx)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers l for each destination. Registration is idempotent.
func (p *Processor) AddListener(destinations []string, l Listener) {
	p.listeners.add(destinations, l)
}

// RemoveListener unregisters l from each destination.
func (p *Processor) RemoveListener(destinations []string, l Listener) {
	p.listeners.remove(destinations, l)
}

// ListenerCount returns the number of listeners registered for destination.
func (p *Processor) ListenerCount(destination string) int {
	return p.listeners.count(destination)
}

// OnEventFrame runs an event frame through the source gate and, if its
// source is active, delivers it.
func (p *Processor) OnEventFrame(ctx context.Context, ev *frame.Event) error {
	p.framesReceived.Add(1)

	batch := ev.Batch
	if batch.SID == "" {
		batch.SID = ev.SessionID()
	}
	if batch.Destination == "" {
		p.batchesDropped.Add(1)
		p.logger.Warn("dropping event batch without destination", "sid", batch.SID, "src", ev.Src)
		return ErrNoDestination
	}

	if p.sources != nil && p.sources.OnEventFrame(batch.SID, ev.Src, batch) == source.Held {
		p.batchesHeld.Add(1)
		return nil
	}

	return p.deliver(ctx, batch, false)
}

// OnSourceChange records the source change and delivers any batches it
// releases. A failing batch is logged and does not stop the others.
func (p *Processor) OnSourceChange(ctx context.Context, f *frame.OnSrc) int {
	if p.sources == nil {
		return 0
	}

	released := p.sources.OnSourceChange(f.SID, f.Src)
	delivered := 0
	for _, batch := range released {
		p.batchesReleased.Add(1)
		if err := p.deliver(ctx, batch, false); err != nil {
			p.logger.Error("failed to deliver released batch",
				"sid", f.SID, "destination", batch.Destination, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Replay delivers cached batches in order without caching them again and
// without consulting the source manager. Failures are logged and skipped;
// the first one is returned.
func (p *Processor) Replay(ctx context.Context, batches []model.Batch) error {
	var firstErr error
	for _, batch := range batches {
		p.batchesReplayed.Add(1)
		if err := p.deliver(ctx, batch, true); err != nil {
			p.logger.Error("failed to replay batch",
				"sid", batch.SID, "destination", batch.Destination, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// deliver applies the cursor gate under the destination lock.
func (p *Processor) deliver(ctx context.Context, batch model.Batch, skipCache bool) error {
	if batch.Destination == "" {
		p.batchesDropped.Add(1)
		return ErrNoDestination
	}

	unlock := p.locks.Lock(batch.Destination)
	defer unlock()

	rec, err := p.store.Get(ctx, batch.Destination)
	if err != nil {
		p.deliveryErrors.Add(1)
		return fmt.Errorf("read cursor for %q: %w", batch.Destination, err)
	}

	// Without a cursor the batch is delivered as received; an empty one has
	// no payloads to hand to listeners, so only its gid (if any) is applied.
	// With a cursor, empty batches are skipped entirely.
	if rec.HasCursor() && len(batch.Events) == 0 {
		return nil
	}
	if len(batch.Events) > 0 {
		p.dispatch(batch, skipCache)
	}

	gid := batch.TrailingGID()
	if gid == "" {
		return nil
	}
	if err := p.store.AdvanceCursor(ctx, batch.Destination, gid); err != nil {
		p.deliveryErrors.Add(1)
		return fmt.Errorf("advance cursor for %q: %w", batch.Destination, err)
	}
	return nil
}

// dispatch queues the batch for caching and invokes every listener.
func (p *Processor) dispatch(batch model.Batch, skipCache bool) {
	if !skipCache && p.cache != nil && p.cache.Enabled() {
		if !p.cacheQueue.Push(batch) {
			p.logger.Warn("cache writer stopped, batch not cached",
				"destination", batch.Destination, "sid", batch.SID)
		}
	}

	p.batchesDelivered.Add(1)
	payloads := batch.Payloads()
	for _, l := range p.listeners.get(batch.Destination) {
		p.invoke(l, batch.Destination, payloads)
	}
}

func (p *Processor) invoke(l Listener, destination string, payloads []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.listenerPanics.Add(1)
			p.logger.Error("listener panicked", "destination", destination, "panic", r)
		}
	}()
	l.OnEvents(destination, payloads)
}

func (p *Processor) cacheLoop() {
	defer p.wg.Done()

	for p.cacheQueue.Wait() {
		p.FlushCache()
	}
}

// FlushCache writes every queued batch to the cache before returning. Callers
// that purge or read the cache call it first so queued writes cannot land
// after a purge or be missed by a read. Safe to call before Start and after
// Stop.
func (p *Processor) FlushCache() {
	if p.cache == nil {
		return
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	for {
		batch, ok := p.cacheQueue.TryPop()
		if !ok {
			return
		}
		p.cache.Put(batch)
	}
}

// Stats returns current statistics.
func (p *Processor) Stats() Stats {
	return Stats{
		FramesReceived:   p.framesReceived.Load(),
		BatchesDelivered: p.batchesDelivered.Load(),
		BatchesHeld:      p.batchesHeld.Load(),
		BatchesReleased:  p.batchesReleased.Load(),
		BatchesReplayed:  p.batchesReplayed.Load(),
		BatchesDropped:   p.batchesDropped.Load(),
		DeliveryErrors:   p.deliveryErrors.Load(),
		ListenerPanics:   p.listenerPanics.Load(),
		CacheQueue:       p.cacheQueue.Len(),
	}
}
