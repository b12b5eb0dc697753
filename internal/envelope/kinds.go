package envelope

import "encoding/json"

// Envelope kinds the gateway recognizes. Unknown kinds are routed as opaque
// envelopes subject only to capability checks.
const (
	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindStreamRequest  = "stream/request"
	KindStreamOpen     = "stream/open"
	KindStreamData     = "stream/data"
	KindStreamClose    = "stream/close"
	KindStreamComplete = "stream/complete"
	KindStreamError    = "stream/error"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityGrantAck = "capability/grant-ack"
	KindCapabilityRevoke   = "capability/revoke"

	KindSystemWelcome         = "system/welcome"
	KindSystemPresence        = "system/presence"
	KindSystemError           = "system/error"
	KindSystemPing            = "system/ping"
	KindSystemPong            = "system/pong"
	KindSystemNotice          = "system/notice"
	KindSystemLog             = "system/log"
	KindSystemJoin            = "system/join"
	KindSystemParticipantLeft = "system/participant-left"
)

// ParticipantInfo describes one participant inside system/welcome and
// system/presence payloads.
type ParticipantInfo struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// StreamInfo describes one active stream inside system/welcome payloads.
type StreamInfo struct {
	StreamID  string          `json:"stream_id"`
	Namespace string          `json:"namespace"`
	Owner     string          `json:"owner"`
	Direction string          `json:"direction,omitempty"`
	Created   string          `json:"created"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// WelcomePayload is the system/welcome body sent to every joining
// participant before any other traffic.
type WelcomePayload struct {
	You           ParticipantInfo   `json:"you"`
	Participants  []ParticipantInfo `json:"participants"`
	ActiveStreams []StreamInfo      `json:"active_streams"`
}

// PresencePayload is the system/presence body announcing joins and leaves.
type PresencePayload struct {
	Event       string          `json:"event"` // "join" or "leave"
	Participant ParticipantInfo `json:"participant"`
	Reason      string          `json:"reason,omitempty"`
}
