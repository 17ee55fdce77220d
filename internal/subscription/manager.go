package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rickgao/resumesub/internal/frame"
	"github.com/rickgao/resumesub/internal/keylock"
	"github.com/rickgao/resumesub/internal/model"
	"github.com/rickgao/resumesub/internal/report"
	"github.com/rickgao/resumesub/internal/session"
)

// Manager is the SubscriptionManager.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	conn      Conn
	store     session.Store
	cache     Cache
	processor Processor
	sources   Sources
	locks     *keylock.Map
	reporter  report.Reporter

	mu      sync.Mutex
	pending map[string]*Pending // cid -> request
	byDest  map[string]string   // destination -> cid
	seq     uint64
	known   []string // destinations in first-subscribed order

	// Stats
	sent         atomic.Int64
	acked        atomic.Int64
	unmatched    atomic.Int64
	resets       atomic.Int64
	replays      atomic.Int64
	timeouts     atomic.Int64
	resubscribes atomic.Int64
}

// Deps are the collaborators of a Manager. Cache and Sources may be nil.
type Deps struct {
	Conn      Conn
	Store     session.Store
	Cache     Cache
	Processor Processor
	Sources   Sources
	Locks     *keylock.Map // shared with the processor
	Reporter  report.Reporter
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = &keylock.Map{}
	}
	if deps.Reporter == nil {
		deps.Reporter = report.Discard{}
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "subscription_manager"),
		conn:      deps.Conn,
		store:     deps.Store,
		cache:     deps.Cache,
		processor: deps.Processor,
		sources:   deps.Sources,
		locks:     deps.Locks,
		reporter:  deps.Reporter,
		pending:   make(map[string]*Pending),
		byDest:    make(map[string]string),
	}
}

// Subscribe opens the connection if needed and sends one subscribe request
// per destination. It does not wait for acknowledgments. The first failure
// stops the loop and is returned.
func (m *Manager) Subscribe(ctx context.Context, destinations []string) error {
	if err := m.conn.Open(ctx); err != nil {
		return err
	}

	for _, dest := range destinations {
		if err := m.subscribe(ctx, dest); err != nil {
			return err
		}
	}
	return nil
}

// Resubscribe re-sends subscribe requests for every destination subscribed
// so far, carrying the stored sid and cursor. Failures are reported and do
// not stop the remaining destinations.
func (m *Manager) Resubscribe(ctx context.Context) {
	m.mu.Lock()
	dests := append([]string(nil), m.known...)
	m.mu.Unlock()

	if len(dests) == 0 {
		return
	}
	m.resubscribes.Add(1)
	m.logger.Info("resubscribing after reconnect", "destinations", len(dests))

	for _, dest := range dests {
		if err := m.subscribe(ctx, dest); err != nil {
			m.logger.Warn("resubscribe failed", "destination", dest, "error", err)
		}
	}
}

func (m *Manager) subscribe(ctx context.Context, dest string) error {
	rec, err := m.store.Get(ctx, dest)
	if err != nil {
		m.reporter.Report(report.CodeSub, "read session for "+dest, err)
		return fmt.Errorf("subscribe %q: %w", dest, err)
	}

	req := &frame.Subscribe{
		V:           frame.Version,
		Destination: dest,
		Cache:       m.cfg.CacheMode,
	}
	if rec != nil {
		req.SID = rec.SID
		req.GID = rec.GID
	}

	p := m.track(dest, req.SID, req.GID)
	req.CID = p.CID

	if err := m.conn.SendFrame(req); err != nil {
		m.untrack(p.CID)
		m.reporter.Report(report.CodeSub, "send subscribe for "+dest, err)
		return fmt.Errorf("subscribe %q: %w", dest, err)
	}

	m.sent.Add(1)
	m.logger.Debug("subscribe sent", "destination", dest, "cid", p.CID, "sid", req.SID, "gid", req.GID)
	return nil
}

// track records a pending request, replacing any outstanding one for dest.
func (m *Manager) track(dest, sid, gid string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byDest[dest]; ok {
		m.removeLocked(old)
		m.logger.Debug("replacing pending subscribe", "destination", dest, "cid", old)
	}

	cid := uuid.NewString()
	for _, taken := m.pending[cid]; taken; _, taken = m.pending[cid] {
		cid = uuid.NewString()
	}

	m.seq++
	p := &Pending{
		CID:         cid,
		Destination: dest,
		SID:         sid,
		GID:         gid,
		SentAt:      time.Now(),
		seq:         m.seq,
	}
	if m.cfg.SubscribeTimeout > 0 {
		p.timer = time.AfterFunc(m.cfg.SubscribeTimeout, func() { m.expire(cid) })
	}
	m.pending[cid] = p
	m.byDest[dest] = cid
	m.rememberLocked(dest)
	return p
}

func (m *Manager) rememberLocked(dest string) {
	for _, d := range m.known {
		if d == dest {
			return
		}
	}
	m.known = append(m.known, dest)
}

func (m *Manager) untrack(cid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(cid)
}

func (m *Manager) removeLocked(cid string) *Pending {
	p, ok := m.pending[cid]
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(m.pending, cid)
	if m.byDest[p.Destination] == cid {
		delete(m.byDest, p.Destination)
	}
	return p
}

func (m *Manager) expire(cid string) {
	m.mu.Lock()
	p := m.removeLocked(cid)
	m.mu.Unlock()
	if p == nil {
		return
	}

	m.timeouts.Add(1)
	m.reporter.Report(report.CodeSubTimeout,
		fmt.Sprintf("no suback for %s after %v", p.Destination, m.cfg.SubscribeTimeout), nil)
}

// match removes and returns the pending request an acknowledgment answers:
// by cid when present, then by destination, otherwise the oldest.
func (m *Manager) match(ack *frame.Suback) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ack.CID != "" {
		return m.removeLocked(ack.CID)
	}
	if ack.Destination != "" {
		if cid, ok := m.byDest[ack.Destination]; ok {
			return m.removeLocked(cid)
		}
		return nil
	}

	var oldest *Pending
	for _, p := range m.pending {
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return nil
	}
	return m.removeLocked(oldest.CID)
}

// HandleFrame is the connection frame handler.
func (m *Manager) HandleFrame(ctx context.Context, f frame.Frame) {
	switch f := f.(type) {
	case *frame.Suback:
		if err := m.HandleSuback(ctx, f); err != nil {
			m.logger.Warn("suback handling failed", "sid", f.SID, "error", err)
		}
	case *frame.Event:
		if m.processor != nil {
			if err := m.processor.OnEventFrame(ctx, f); err != nil {
				m.logger.Warn("event frame not delivered", "sid", f.SessionID(), "error", err)
			}
		}
	case *frame.OnSrc:
		if m.processor != nil {
			m.processor.OnSourceChange(ctx, f)
		}
	}
}

// HandleSuback reconciles the local session of the acknowledged destination
// with the issued sid. Store failures are reported and returned.
func (m *Manager) HandleSuback(ctx context.Context, ack *frame.Suback) error {
	p := m.match(ack)
	if p == nil {
		m.unmatched.Add(1)
		m.logger.Warn("dropping unmatched suback", "sid", ack.SID, "cid", ack.CID, "destination", ack.Destination)
		return nil
	}
	m.acked.Add(1)

	dest := p.Destination
	if ack.SID == "" {
		m.reporter.Report(report.CodeSub, "suback for "+dest+" carried no sid", ErrNoSID)
		return ErrNoSID
	}

	unlock := m.locks.Lock(dest)
	rec, err := m.store.Get(ctx, dest)
	if err != nil {
		unlock()
		m.reporter.Report(report.CodeSub, "read session for "+dest, err)
		return err
	}

	switch {
	case rec == nil || rec.SID == "":
		err = m.store.Put(ctx, ack.SID, dest)
		unlock()
		if err == nil {
			m.logger.Info("session created", "destination", dest, "sid", ack.SID)
		}

	case rec.SID != ack.SID:
		err = m.reset(ctx, dest, rec.SID, ack.SID)
		unlock()

	default:
		unlock()
		m.replay(ctx, dest, ack.SID)
		return nil
	}

	if err != nil {
		m.reporter.Report(report.CodeSub, "update session for "+dest, err)
		return err
	}
	return nil
}

// reset replaces a stale session. Must be called with the destination lock.
func (m *Manager) reset(ctx context.Context, dest, oldSID, newSID string) error {
	if m.cache != nil {
		// Queued writes of the old session must land before the purge.
		if m.processor != nil {
			m.processor.FlushCache()
		}
		m.cache.DeleteByDestination(dest)
	}
	if err := m.store.Delete(ctx, dest); err != nil {
		return err
	}
	if err := m.store.Put(ctx, newSID, dest); err != nil {
		return err
	}
	m.resets.Add(1)

	// Source state belongs to the sid; drop it once nothing uses the sid.
	if m.sources != nil {
		remaining, err := m.store.ListDestinations(ctx, oldSID)
		if err == nil && len(remaining) == 0 {
			m.sources.Forget(oldSID)
		}
	}

	m.logger.Info("session reset", "destination", dest, "old_sid", oldSID, "sid", newSID)
	return nil
}

// replay delivers the cached batches of a reconfirmed session. The processor
// takes the destination lock per batch.
func (m *Manager) replay(ctx context.Context, dest, sid string) {
	if m.cache == nil || m.processor == nil {
		return
	}

	m.processor.FlushCache()

	var batches []model.Batch
	for _, b := range m.cache.BySID(sid) {
		// Only the acknowledged destination, not every batch of the sid:
		// other destinations on this sid replay on their own suback.
		if b.Destination == dest {
			batches = append(batches, b)
		}
	}
	m.replays.Add(1)
	if len(batches) == 0 {
		return
	}

	m.logger.Info("session reconfirmed, replaying cache", "destination", dest, "sid", sid, "batches", len(batches))
	if err := m.processor.Replay(ctx, batches); err != nil {
		m.logger.Warn("replay incomplete", "destination", dest, "sid", sid, "error", err)
	}
}

// PendingFor returns the outstanding request for destination.
func (m *Manager) PendingFor(destination string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.byDest[destination]
	if !ok {
		return Pending{}, false
	}
	return *m.pending[cid], true
}

// Close stops timeout timers and drops every pending request.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid := range m.pending {
		m.removeLocked(cid)
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pending, known := len(m.pending), len(m.known)
	m.mu.Unlock()

	return Stats{
		Pending:      pending,
		Known:        known,
		Sent:         m.sent.Load(),
		Acked:        m.acked.Load(),
		Unmatched:    m.unmatched.Load(),
		Resets:       m.resets.Load(),
		Replays:      m.replays.Load(),
		Timeouts:     m.timeouts.Load(),
		Resubscribes: m.resubscribes.Load(),
	}
}
