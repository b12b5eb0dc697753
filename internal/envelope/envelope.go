// Package envelope defines the MEW wire unit: a JSON envelope carrying a
// hierarchical kind, sender/recipient identity, and a kind-specific payload.
// The gateway routes envelopes; it never interprets payload bodies beyond the
// few system and stream kinds it owns.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GatewayID is the reserved participant id the gateway speaks as. Envelopes
// addressed to it are consumed by the gateway rather than delivered.
const GatewayID = "gateway"

// Envelope is the universal message unit exchanged through a space.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            string          `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes a single envelope from raw JSON.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope as a single JSON document. Field order is
// fixed by the struct, so log lines are stable for a given envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Normalize fills gateway-assigned fields on ingress: a fresh id when the
// sender left it empty, and an authoritative timestamp. The gateway's clock
// wins so history order matches delivery order.
func (e *Envelope) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.TS = now.UTC().Format(time.RFC3339Nano)
}

// Validate enforces the ingress schema: required fields present, protocol tag
// matching the gateway's configured tag, and payload within the size cap.
// Normalize must run first (it supplies id and ts).
func (e *Envelope) Validate(protocolTag string, maxPayload int) *WireError {
	if e.Protocol == "" {
		return Errf(CodeInvalidFormat, "missing protocol field")
	}
	if e.Protocol != protocolTag {
		return Errf(CodeInvalidFormat, "unsupported protocol %q (gateway speaks %q)", e.Protocol, protocolTag)
	}
	if e.Kind == "" {
		return Errf(CodeMissingKind, "missing kind field")
	}
	if e.From == "" {
		return Errf(CodeInvalidFormat, "missing from field")
	}
	if maxPayload > 0 && len(e.Payload) > maxPayload {
		return Errf(CodeInvalidFormat, "payload exceeds %d byte cap", maxPayload)
	}
	return nil
}

// BaseKind returns the portion of the kind before the first slash:
// "mcp/request" → "mcp", "chat" → "chat".
func (e *Envelope) BaseKind() string {
	if i := strings.IndexByte(e.Kind, '/'); i >= 0 {
		return e.Kind[:i]
	}
	return e.Kind
}

// Broadcast reports whether the envelope has no explicit recipients.
func (e *Envelope) Broadcast() bool {
	return len(e.To) == 0
}

// Correlates reports whether the envelope references id in correlation_id.
func (e *Envelope) Correlates(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}
