package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire error codes carried in system/error payloads.
const (
	CodeInvalidFormat           = "invalid_format"
	CodeMissingKind             = "missing_kind"
	CodeAuthViolation           = "auth_violation"
	CodeCapabilityViolation     = "capability_violation"
	CodeUnknownRecipient        = "unknown_recipient"
	CodeRateLimited             = "rate_limited"
	CodeStreamSequenceViolation = "stream_sequence_violation"
	CodeDuplicateParticipant    = "duplicate_participant"
	CodeHandlerError            = "handler_error"
	CodeServerError             = "server_error"
)

// WireError is a routing failure destined for the sender as a system/error
// envelope. It doubles as a Go error so transports can map it to a status.
type WireError struct {
	Code             string   `json:"error"`
	Message          string   `json:"message"`
	AttemptedKind    string   `json:"attempted_kind,omitempty"`
	YourCapabilities []string `json:"your_capabilities,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a WireError with a formatted message.
func Errf(code, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorEnvelope wraps a WireError in a system/error envelope from the
// gateway to the offending sender, correlated to the envelope that failed.
func ErrorEnvelope(protocolTag, to string, correlates string, werr *WireError) *Envelope {
	payload, _ := json.Marshal(werr)
	env := &Envelope{
		Protocol: protocolTag,
		From:     GatewayID,
		To:       []string{to},
		Kind:     KindSystemError,
		Payload:  payload,
	}
	if correlates != "" {
		env.CorrelationID = []string{correlates}
	}
	env.Normalize(time.Now())
	return env
}

// SystemEnvelope builds a gateway-originated envelope of the given kind with
// a marshalled payload. Used for welcome, presence, pong, notices, and the
// stream/grant lifecycle messages the gateway itself emits.
func SystemEnvelope(protocolTag, kind string, to []string, payload any) *Envelope {
	raw, _ := json.Marshal(payload)
	env := &Envelope{
		Protocol: protocolTag,
		From:     GatewayID,
		To:       to,
		Kind:     kind,
		Payload:  raw,
	}
	env.Normalize(time.Now())
	return env
}
