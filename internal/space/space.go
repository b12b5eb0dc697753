// Package space holds the per-space state and the routing logic that
// operates on it. Every mutation of a space — joins, leaves, envelope
// routing, grant and stream bookkeeping — happens under the space's single
// mutex, giving a total order over envelopes per space.
package space

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
	"github.com/mew-protocol/mew-gateway/internal/metrics"
)

var (
	// ErrDuplicateParticipant means the id is already live in the space.
	ErrDuplicateParticipant = errors.New("participant id already connected")
	// ErrNotConnected means the sender has no live entry in the space.
	ErrNotConnected = errors.New("participant not connected")
)

// Config is the per-space policy, shared by all spaces of a gateway.
type Config struct {
	ProtocolTag             string
	HistoryLimit            int
	MessagesPerMinute       int
	ChatPerMinute           int
	MaxPayloadBytes         int
	MaxGrantsPerParticipant int
	ProposalTTL             time.Duration
	StreamIdleTimeout       time.Duration // zero disables the idle sweep
}

func (c Config) withDefaults() Config {
	if c.ProtocolTag == "" {
		c.ProtocolTag = "mew/v0.4"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.MaxGrantsPerParticipant <= 0 {
		c.MaxGrantsPerParticipant = 256
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = 5 * time.Minute
	}
	return c
}

// DecisionEvent is one capability-check outcome, written to the space's
// capability-decisions.jsonl log.
type DecisionEvent struct {
	TS          string `json:"ts"`
	Event       string `json:"event"`
	Participant string `json:"participant"`
	EnvelopeID  string `json:"envelope_id"`
	Kind        string `json:"kind"`
	Result      string `json:"result"`
	Matched     string `json:"matched,omitempty"`
}

// Recorder receives the space's durable log lines. The gateway wires a
// JSONL-backed implementation; tests use NopRecorder.
type Recorder interface {
	RecordEnvelope(space string, env *envelope.Envelope)
	RecordDecision(space string, ev DecisionEvent)
}

// NopRecorder discards all log lines.
type NopRecorder struct{}

func (NopRecorder) RecordEnvelope(string, *envelope.Envelope) {}
func (NopRecorder) RecordDecision(string, DecisionEvent)      {}

// Space is one isolated communication scope.
type Space struct {
	Name string

	cfg Config
	rec Recorder
	log *slog.Logger

	mu           sync.Mutex
	participants map[string]*Participant
	history      *history
	streams      map[string]*stream
	proposals    map[string]proposal
	grants       map[string]*grant
	created      time.Time
}

// New creates an empty space. Callers normally go through Manager, which
// creates spaces on first join and drops them on last leave.
func New(name string, cfg Config, rec Recorder, log *slog.Logger) *Space {
	cfg = cfg.withDefaults()
	if rec == nil {
		rec = NopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Space{
		Name:         name,
		cfg:          cfg,
		rec:          rec,
		log:          log.With("space", name),
		participants: make(map[string]*Participant),
		history:      newHistory(cfg.HistoryLimit),
		streams:      make(map[string]*stream),
		proposals:    make(map[string]proposal),
		grants:       make(map[string]*grant),
		created:      time.Now(),
	}
}

// Join registers a participant, delivers its system/welcome (always the
// first envelope the new sink observes) and announces the join to the rest
// of the space.
func (s *Space) Join(id string, caps []json.RawMessage, outputLog string, sink Sink) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.participants[id]; live {
		return nil, ErrDuplicateParticipant
	}
	p, err := newParticipant(id, caps, outputLog, sink)
	if err != nil {
		return nil, err
	}
	s.participants[id] = p
	metrics.Participants.Inc()

	welcome := envelope.SystemEnvelope(s.cfg.ProtocolTag, envelope.KindSystemWelcome,
		[]string{id}, s.welcomeLocked(p))
	s.rec.RecordEnvelope(s.Name, welcome)
	if err := sink.Send(welcome); err != nil {
		s.log.Warn("welcome delivery failed", "participant", id, "error", err)
	}

	s.systemBroadcastLocked(envelope.KindSystemPresence, envelope.PresencePayload{
		Event:       "join",
		Participant: p.info(),
	}, id)

	s.log.Info("participant joined", "participant", id)
	return p, nil
}

// Leave removes a participant: presence announcement, revocation of every
// grant it issued or received, and closure of the streams it owns.
func (s *Space) Leave(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(id, reason, true)
}

// evict removes a participant but leaves its sink open, so a join that raced
// a space release can be replayed against the replacement space.
func (s *Space) evict(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(id, reason, false)
}

func (s *Space) leaveLocked(id, reason string, closeSink bool) {
	p, ok := s.participants[id]
	if !ok {
		return
	}
	delete(s.participants, id)
	metrics.Participants.Dec()
	if closeSink {
		p.sink.Close()
	}

	s.revokeGrantsOfLocked(id, "participant_disconnected")
	s.closeOwnedStreamsLocked(id)

	s.systemBroadcastLocked(envelope.KindSystemPresence, envelope.PresencePayload{
		Event:       "leave",
		Participant: envelope.ParticipantInfo{ID: id},
		Reason:      reason,
	}, id)

	s.log.Info("participant left", "participant", id, "reason", reason)
}

// failLocked tears the space down after an internal failure: every participant
// is dropped and its sink failed (WebSocket sinks close with 1011), and all
// per-space state is discarded. The manager's sweep reaps the emptied space.
func (s *Space) failLocked() {
	for id, p := range s.participants {
		delete(s.participants, id)
		metrics.Participants.Dec()
		if f, ok := p.sink.(interface{ Fail() }); ok {
			f.Fail()
		} else {
			p.sink.Close()
		}
	}
	for id := range s.streams {
		delete(s.streams, id)
		metrics.ActiveStreams.Dec()
	}
	s.proposals = make(map[string]proposal)
	s.grants = make(map[string]*grant)
}

// revokeGrantsOfLocked drops every grant where id is granter or grantee and
// notifies the surviving party.
func (s *Space) revokeGrantsOfLocked(id, reason string) {
	for grantID, g := range s.grants {
		if g.granter != id && g.grantee != id {
			continue
		}
		delete(s.grants, grantID)
		if grantee, ok := s.participants[g.grantee]; ok {
			delete(grantee.granted, grantID)
			if err := grantee.rebuildCaps(); err != nil {
				s.log.Error("capability rebuild failed", "participant", g.grantee, "error", err)
			}
		}
		// Notify whichever side of the grant is still connected.
		for _, party := range []string{g.granter, g.grantee} {
			if party == id {
				continue
			}
			if target, ok := s.participants[party]; ok {
				revoke := envelope.SystemEnvelope(s.cfg.ProtocolTag, envelope.KindCapabilityRevoke,
					[]string{party}, revokePayload{
						GrantID:      grantID,
						Recipient:    g.grantee,
						Capabilities: g.patterns,
						Reason:       reason,
					})
				revoke.CorrelationID = []string{grantID}
				s.rec.RecordEnvelope(s.Name, revoke)
				if err := target.sink.Send(revoke); err != nil {
					s.log.Warn("revoke delivery failed", "participant", party, "error", err)
				}
			}
		}
	}
}

func (s *Space) closeOwnedStreamsLocked(owner string) {
	for id, st := range s.streams {
		if st.owner != owner {
			continue
		}
		delete(s.streams, id)
		metrics.ActiveStreams.Dec()
		s.systemBroadcastLocked(envelope.KindStreamClose, streamRefPayload{
			StreamID: id,
			Reason:   "owner_disconnected",
		}, owner)
	}
}

// systemBroadcastLocked delivers a gateway-originated envelope to every
// participant except the excluded id.
func (s *Space) systemBroadcastLocked(kind string, payload any, exclude string) {
	env := envelope.SystemEnvelope(s.cfg.ProtocolTag, kind, nil, payload)
	s.broadcastEnvelopeLocked(env, exclude)
}

func (s *Space) welcomeLocked(you *Participant) envelope.WelcomePayload {
	infos := make([]envelope.ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	streams := make([]envelope.StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st.info())
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })

	return envelope.WelcomePayload{
		You:           you.info(),
		Participants:  infos,
		ActiveStreams: streams,
	}
}

// Participants returns the current roster, sorted by id.
func (s *Space) Participants() []envelope.ParticipantInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]envelope.ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Lookup returns the live participant with the given id, or nil.
func (s *Space) Lookup(id string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[id]
}

// Empty reports whether the space has no participants left.
func (s *Space) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0
}

// HistoryLen returns the number of retained envelopes.
func (s *Space) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.len()
}

// HistoryGet returns a retained envelope by id, nil once evicted.
func (s *Space) HistoryGet(id string) *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.get(id)
}

// ActiveStreams returns the current stream table, sorted by id.
func (s *Space) ActiveStreams() []envelope.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// PendingProposal reports whether the proposal id is still awaiting
// fulfillment.
func (s *Space) PendingProposal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.proposals[id]
	return ok
}

// ExpireProposals drops proposals older than the configured TTL and sends a
// system/notice to each proposer still connected.
func (s *Space) ExpireProposals(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, prop := range s.proposals {
		if now.Sub(prop.created) < s.cfg.ProposalTTL {
			continue
		}
		delete(s.proposals, id)
		proposer, ok := s.participants[prop.proposer]
		if !ok {
			continue
		}
		notice := envelope.SystemEnvelope(s.cfg.ProtocolTag, envelope.KindSystemNotice,
			[]string{prop.proposer}, noticePayload{Notice: "proposal_expired", ProposalID: id})
		notice.CorrelationID = []string{id}
		s.rec.RecordEnvelope(s.Name, notice)
		if err := proposer.sink.Send(notice); err != nil {
			s.log.Warn("expiry notice delivery failed", "participant", prop.proposer, "error", err)
		}
	}
}

// SweepStreams closes streams idle past the configured timeout. Disabled
// when the timeout is zero.
func (s *Space) SweepStreams(now time.Time) {
	if s.cfg.StreamIdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.streams {
		idle := st.lastActivity
		if idle.IsZero() {
			idle = st.created
		}
		if now.Sub(idle) < s.cfg.StreamIdleTimeout {
			continue
		}
		delete(s.streams, id)
		metrics.ActiveStreams.Dec()
		s.systemBroadcastLocked(envelope.KindStreamClose, streamRefPayload{
			StreamID: id,
			Reason:   "idle_timeout",
		}, "")
	}
}
