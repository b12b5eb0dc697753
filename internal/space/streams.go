package space

import (
	"encoding/json"
	"time"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
)

// stream is one active data channel announced through stream/open.
type stream struct {
	id        string
	namespace string
	owner     string
	direction string
	metadata  json.RawMessage
	created   time.Time

	lastSeq      map[string]uint64 // per-sender high water mark
	lastActivity time.Time
}

func (st *stream) info() envelope.StreamInfo {
	return envelope.StreamInfo{
		StreamID:  st.id,
		Namespace: st.namespace,
		Owner:     st.owner,
		Direction: st.direction,
		Created:   st.created.UTC().Format(time.RFC3339Nano),
		Metadata:  st.metadata,
	}
}

// streamRequestPayload is what the gateway reads off a stream/request.
type streamRequestPayload struct {
	Direction string          `json:"direction,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// streamOpenPayload is the gateway-assigned announcement.
type streamOpenPayload struct {
	StreamID  string          `json:"stream_id"`
	Namespace string          `json:"namespace"`
	Owner     string          `json:"owner"`
	Direction string          `json:"direction,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// streamRefPayload covers stream/data, stream/close, stream/complete and
// stream/error: everything that references an assigned stream.
type streamRefPayload struct {
	StreamID string `json:"stream_id"`
	Sequence uint64 `json:"sequence,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// checkSequence enforces strictly increasing sequence numbers per sender
// within a stream. Returns a wire error on duplicates or regressions.
func (st *stream) checkSequence(sender string, seq uint64, now time.Time) *envelope.WireError {
	if seq == 0 {
		return envelope.Errf(envelope.CodeStreamSequenceViolation,
			"stream %s: sequence must start at 1", st.id)
	}
	if last := st.lastSeq[sender]; seq <= last {
		return envelope.Errf(envelope.CodeStreamSequenceViolation,
			"stream %s: sequence %d not after %d", st.id, seq, last)
	}
	st.lastSeq[sender] = seq
	st.lastActivity = now
	return nil
}
