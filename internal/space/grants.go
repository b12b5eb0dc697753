package space

import (
	"encoding/json"
	"time"
)

// grant is a runtime-issued capability from one participant to another,
// keyed by the id of the capability/grant envelope that carried it.
type grant struct {
	id       string
	granter  string
	grantee  string
	patterns []json.RawMessage
	issued   time.Time
	acked    bool
}

// grantPayload is the body of a capability/grant envelope.
type grantPayload struct {
	Recipient    string            `json:"recipient"`
	Capabilities []json.RawMessage `json:"capabilities"`
	Reason       string            `json:"reason,omitempty"`
}

// revokePayload is the body of capability/revoke envelopes, both explicit
// revocations from a granter and the gateway-emitted disconnect revocations.
type revokePayload struct {
	GrantID      string            `json:"grant_id"`
	Recipient    string            `json:"recipient,omitempty"`
	Capabilities []json.RawMessage `json:"capabilities,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// proposal tracks a pending mcp/proposal awaiting fulfillment.
type proposal struct {
	proposer string
	created  time.Time
}

// noticePayload is the body of gateway system/notice envelopes.
type noticePayload struct {
	Notice     string `json:"notice"`
	ProposalID string `json:"proposal_id,omitempty"`
}
