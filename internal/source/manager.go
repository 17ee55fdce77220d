package source

import (
	"log/slog"
	"sync"

	"github.com/rickgao/resumesub/internal/model"
	"github.com/rickgao/resumesub/internal/ring"
)

// Decision tells the caller what to do with an event batch.
type Decision int

const (
	// Deliver means the batch came from the active source.
	Deliver Decision = iota
	// Held means the batch was buffered until the next failover.
	Held
)

func (d Decision) String() string {
	if d == Held {
		return "held"
	}
	return "deliver"
}

const initialQueueCapacity = 8

// state is the SourceState of one sid.
type state struct {
	active model.Source
	held   *ring.Queue[model.Batch]
}

// Stats contains runtime statistics.
type Stats struct {
	SIDs     int   // sids with recorded state
	Held     int   // batches currently buffered
	Buffered int64 // batches ever buffered
	Released int64 // batches released by a failover
	Switches int64 // recorded source changes
}

// Manager tracks the active source per sid and holds back batches from a
// source that is not active.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	states   map[string]*state
	buffered int64
	released int64
	switches int64
}

// NewManager creates a Manager with no recorded state.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "source_manager"),
		states: make(map[string]*state),
	}
}

// OnSourceChange records src as the active source for sid. Only a
// Primary to Secondary transition releases the buffered batches, in arrival
// order. Every other transition, including the first one seen for a sid,
// returns nil.
func (m *Manager) OnSourceChange(sid string, src model.Source) []model.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[sid]
	if !ok {
		m.states[sid] = &state{active: src, held: ring.New[model.Batch](initialQueueCapacity)}
		m.switches++
		m.logger.Debug("source recorded", "sid", sid, "src", src)
		return nil
	}
	if st.active == src {
		return nil
	}

	prev := st.active
	st.active = src
	m.switches++

	if prev != model.SourcePrimary || src != model.SourceSecondary {
		m.logger.Debug("source changed", "sid", sid, "from", prev, "to", src, "held", st.held.Len())
		return nil
	}

	out := st.held.Drain()
	m.released += int64(len(out))
	m.logger.Info("source failover, releasing held batches", "sid", sid, "count", len(out))
	return out
}

// OnEventFrame decides whether a batch from src can be delivered now. Untagged
// batches are always delivered. A sid without recorded state is treated as
// running on the primary source.
func (m *Manager) OnEventFrame(sid string, src model.Source, batch model.Batch) Decision {
	if src == model.SourceUnknown {
		return Deliver
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[sid]
	if !ok {
		if src == model.SourcePrimary {
			return Deliver
		}
		st = &state{active: model.SourcePrimary, held: ring.New[model.Batch](initialQueueCapacity)}
		m.states[sid] = st
	}
	if st.active == src {
		return Deliver
	}

	st.held.Push(batch)
	m.buffered++
	m.logger.Debug("batch held", "sid", sid, "src", src, "active", st.active,
		"destination", batch.Destination, "held", st.held.Len())
	return Held
}

// Active returns the recorded active source for sid.
func (m *Manager) Active(sid string) (model.Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sid]
	if !ok {
		return model.SourceUnknown, false
	}
	return st.active, true
}

// HeldCount returns the number of batches buffered for sid.
func (m *Manager) HeldCount(sid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[sid]; ok {
		return st.held.Len()
	}
	return 0
}

// Forget discards the state of sid, including any held batches.
func (m *Manager) Forget(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sid]
	if !ok {
		return
	}
	if n := st.held.Len(); n > 0 {
		m.logger.Warn("discarding held batches", "sid", sid, "count", n)
	}
	delete(m.states, sid)
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := 0
	for _, st := range m.states {
		held += st.held.Len()
	}
	return Stats{
		SIDs:     len(m.states),
		Held:     held,
		Buffered: m.buffered,
		Released: m.released,
		Switches: m.switches,
	}
}
