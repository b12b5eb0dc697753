package space

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mew-protocol/mew-gateway/internal/capability"
	"github.com/mew-protocol/mew-gateway/internal/envelope"
)

// Sink is a participant's delivery endpoint. The router never knows whether
// it is a live WebSocket or an append-to-file virtual connection.
type Sink interface {
	Send(env *envelope.Envelope) error
	Close() error
}

// Participant is one authenticated entity inside a space.
type Participant struct {
	ID        string
	OutputLog string

	sink    Sink
	joined  time.Time
	static  []json.RawMessage
	granted map[string][]json.RawMessage // grant envelope id → patterns
	caps    *capability.Set
	rates   rateWindow
}

func newParticipant(id string, caps []json.RawMessage, outputLog string, sink Sink) (*Participant, error) {
	p := &Participant{
		ID:        id,
		OutputLog: outputLog,
		sink:      sink,
		joined:    time.Now(),
		static:    caps,
		granted:   make(map[string][]json.RawMessage),
	}
	if err := p.rebuildCaps(); err != nil {
		return nil, err
	}
	return p, nil
}

// rebuildCaps recompiles the effective set from static plus granted patterns.
// Called on join and whenever a grant is issued or revoked.
func (p *Participant) rebuildCaps() error {
	all := make([]json.RawMessage, 0, len(p.static)+len(p.granted))
	all = append(all, p.static...)
	for _, patterns := range p.granted {
		all = append(all, patterns...)
	}
	set, err := capability.NewSet(all)
	if err != nil {
		return fmt.Errorf("participant %s: %w", p.ID, err)
	}
	p.caps = set
	return nil
}

// Capabilities returns the effective pattern summaries.
func (p *Participant) Capabilities() []string {
	return p.caps.Summaries()
}

func (p *Participant) info() envelope.ParticipantInfo {
	return envelope.ParticipantInfo{ID: p.ID, Capabilities: p.caps.Summaries()}
}

// rateWindow is a rolling 60s counter pair, reset lazily on first use after
// the window elapses.
type rateWindow struct {
	windowStart time.Time
	messages    int
	chat        int
}

// allow counts the envelope against the window and reports whether it stays
// within both the overall and the chat-specific limit. Zero limits disable
// the corresponding check.
func (w *rateWindow) allow(now time.Time, kind string, maxMessages, maxChat int) bool {
	if now.Sub(w.windowStart) >= time.Minute {
		w.windowStart = now
		w.messages = 0
		w.chat = 0
	}
	w.messages++
	if maxMessages > 0 && w.messages > maxMessages {
		return false
	}
	if kind == envelope.KindChat {
		w.chat++
		if maxChat > 0 && w.chat > maxChat {
			return false
		}
	}
	return true
}
