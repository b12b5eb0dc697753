package space

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mew-protocol/mew-gateway/internal/metrics"
)

// Manager owns the gateway's spaces. Spaces are created on demand when the
// first participant joins and destroyed when the last one leaves; history
// and state are lost with them.
type Manager struct {
	cfg Config
	rec Recorder
	log *slog.Logger

	mu     sync.Mutex
	spaces map[string]*Space
}

// NewManager builds a manager applying cfg to every space it creates.
func NewManager(cfg Config, rec Recorder, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		rec:    rec,
		log:    log,
		spaces: make(map[string]*Space),
	}
}

// Config returns the effective per-space policy.
func (m *Manager) Config() Config { return m.cfg }

// Join adds a participant to the named space, creating the space if needed.
func (m *Manager) Join(spaceName, id string, caps []json.RawMessage, outputLog string, sink Sink) (*Space, *Participant, error) {
	for {
		m.mu.Lock()
		sp, ok := m.spaces[spaceName]
		if !ok {
			sp = New(spaceName, m.cfg, m.rec, m.log)
			m.spaces[spaceName] = sp
			metrics.Spaces.Inc()
			m.log.Info("space created", "space", spaceName)
		}
		m.mu.Unlock()

		p, err := sp.Join(id, caps, outputLog, sink)
		if err != nil {
			m.release(spaceName)
			return nil, nil, err
		}

		// A concurrent last-leave may have released the space while this
		// join was in flight. Re-anchor the space in the map so the new
		// participant stays reachable through Lookup; if another space
		// already took the name, back out and join that one instead.
		m.mu.Lock()
		current, live := m.spaces[spaceName]
		if !live {
			m.spaces[spaceName] = sp
			metrics.Spaces.Inc()
			current = sp
		}
		m.mu.Unlock()
		if current == sp {
			return sp, p, nil
		}
		sp.evict(id, "space_recycled")
	}
}

// Leave removes a participant and tears down the space if it emptied.
func (m *Manager) Leave(spaceName, id, reason string) {
	m.mu.Lock()
	sp, ok := m.spaces[spaceName]
	m.mu.Unlock()
	if !ok {
		return
	}
	sp.Leave(id, reason)
	m.release(spaceName)
}

// Lookup returns the live space with the given name, or nil.
func (m *Manager) Lookup(spaceName string) *Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaces[spaceName]
}

// release drops the space if it has no participants left.
func (m *Manager) release(spaceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.spaces[spaceName]
	if !ok || !sp.Empty() {
		return
	}
	delete(m.spaces, spaceName)
	metrics.Spaces.Dec()
	m.log.Info("space destroyed", "space", spaceName)
}

// Run drives the periodic maintenance: proposal expiry, stream idle sweeps,
// and cleanup of spaces emptied by in-route disconnections. Blocks until the
// context is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			names := make([]string, 0, len(m.spaces))
			for name := range m.spaces {
				names = append(names, name)
			}
			m.mu.Unlock()

			for _, name := range names {
				if sp := m.Lookup(name); sp != nil {
					sp.ExpireProposals(now)
					sp.SweepStreams(now)
					m.release(name)
				}
			}
		}
	}
}

// Shutdown disconnects every participant in every space, used on graceful
// gateway termination.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	spaces := make([]*Space, 0, len(m.spaces))
	for _, sp := range m.spaces {
		spaces = append(spaces, sp)
	}
	m.mu.Unlock()

	for _, sp := range spaces {
		for _, info := range sp.Participants() {
			sp.Leave(info.ID, reason)
		}
		m.release(sp.Name)
	}
}
