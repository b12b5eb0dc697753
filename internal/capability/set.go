package capability

import (
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
)

// Doc is the matching view of an envelope: the serialized JSON (for "$" path
// lookups) alongside the decoded value tree (for structural matching).
type Doc struct {
	raw []byte
	val map[string]any
	sig uint64
}

// NewDoc builds the matching document for an envelope.
func NewDoc(env *envelope.Envelope) (*Doc, error) {
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	var val map[string]any
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, err
	}

	// Signature over every field a pattern can constrain, so envelopes that
	// differ in any of them never share a cache entry. Only id and ts are
	// left out: they vary per envelope and would defeat the decision cache.
	// List entries end with 0x00, fields with 0x01, so field boundaries
	// cannot be forged by crafted values.
	h := fnv.New64a()
	h.Write([]byte(env.From))
	h.Write([]byte{1})
	h.Write([]byte(env.Kind))
	h.Write([]byte{1})
	for _, to := range env.To {
		h.Write([]byte(to))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	h.Write([]byte(env.Context))
	h.Write([]byte{1})
	for _, corr := range env.CorrelationID {
		h.Write([]byte(corr))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	h.Write(env.Payload)

	return &Doc{raw: raw, val: val, sig: h.Sum64()}, nil
}

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed bool
	// Matched is the pattern that decided the outcome: the allowing pattern,
	// or the denying pattern when a negative capability fired.
	Matched string
}

const maxCachedDecisions = 4096

// Set is a participant's effective capability set with memoized decisions.
// Sets are immutable once built; grants produce a fresh Set.
type Set struct {
	patterns []*Pattern

	mu    sync.Mutex
	cache map[uint64]Decision
}

// NewSet compiles the given patterns into a set. Compilation failures abort
// the whole set so a typo never silently widens or narrows authority.
func NewSet(raws []json.RawMessage) (*Set, error) {
	s := &Set{cache: make(map[uint64]Decision)}
	for _, raw := range raws {
		p, err := Compile(raw)
		if err != nil {
			return nil, err
		}
		s.patterns = append(s.patterns, p)
	}
	return s, nil
}

// Allows decides whether the envelope is authorized under this set. Denial
// wins: any negative pattern that fires blocks the envelope regardless of
// positive matches. At least one positive match is required.
func (s *Set) Allows(env *envelope.Envelope) Decision {
	doc, err := NewDoc(env)
	if err != nil {
		return Decision{Allowed: false}
	}

	s.mu.Lock()
	if d, ok := s.cache[doc.sig]; ok {
		s.mu.Unlock()
		return d
	}
	s.mu.Unlock()

	d := Decision{}
	for _, p := range s.patterns {
		if p.Negative() && p.Match(doc) {
			d = Decision{Allowed: false, Matched: p.String()}
			s.store(doc.sig, d)
			return d
		}
	}
	for _, p := range s.patterns {
		if !p.Negative() && p.Match(doc) {
			d = Decision{Allowed: true, Matched: p.String()}
			break
		}
	}
	s.store(doc.sig, d)
	return d
}

func (s *Set) store(sig uint64, d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= maxCachedDecisions {
		s.cache = make(map[uint64]Decision)
	}
	s.cache[sig] = d
}

// Summaries returns the raw pattern strings, used for welcome payloads and
// the your_capabilities field of capability_violation errors.
func (s *Set) Summaries() []string {
	out := make([]string, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p.String())
	}
	return out
}
