package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	in := &Envelope{
		Protocol:      "mew/v0.4",
		ID:            "e1",
		From:          "alice",
		To:            []string{"bob"},
		Kind:          "chat",
		CorrelationID: []string{"e0"},
		Context:       "thread-1",
		Payload:       json.RawMessage(`{"text":"hi"}`),
	}
	in.Normalize(time.Now())

	data, err := in.Encode()
	require.NoError(t, err)
	out, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, in.Protocol, out.Protocol)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.TS, out.TS)
	assert.Equal(t, in.From, out.From)
	assert.Equal(t, in.To, out.To)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.Context, out.Context)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"kind":`))
	require.Error(t, err)
}

func TestNormalizeAssignsIDAndRewritesTS(t *testing.T) {
	env := &Envelope{Protocol: "mew/v0.4", From: "alice", Kind: "chat", TS: "bogus"}
	env.Normalize(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "2026-08-24T12:00:00Z", env.TS)

	// A sender-supplied id survives.
	env2 := &Envelope{ID: "mine"}
	env2.Normalize(time.Now())
	assert.Equal(t, "mine", env2.ID)
}

func TestValidate(t *testing.T) {
	base := func() *Envelope {
		e := &Envelope{Protocol: "mew/v0.4", From: "alice", Kind: "chat"}
		e.Normalize(time.Now())
		return e
	}

	assert.Nil(t, base().Validate("mew/v0.4", 1024))

	e := base()
	e.Protocol = "mew/v0.3"
	werr := e.Validate("mew/v0.4", 1024)
	require.NotNil(t, werr)
	assert.Equal(t, CodeInvalidFormat, werr.Code)

	e = base()
	e.Kind = ""
	werr = e.Validate("mew/v0.4", 1024)
	require.NotNil(t, werr)
	assert.Equal(t, CodeMissingKind, werr.Code)

	e = base()
	e.From = ""
	werr = e.Validate("mew/v0.4", 1024)
	require.NotNil(t, werr)
	assert.Equal(t, CodeInvalidFormat, werr.Code)

	e = base()
	e.Payload = json.RawMessage(`{"blob":"` + string(make([]byte, 64)) + `"}`)
	werr = e.Validate("mew/v0.4", 16)
	require.NotNil(t, werr)
	assert.Equal(t, CodeInvalidFormat, werr.Code)
}

func TestBaseKind(t *testing.T) {
	assert.Equal(t, "mcp", (&Envelope{Kind: "mcp/request"}).BaseKind())
	assert.Equal(t, "chat", (&Envelope{Kind: "chat"}).BaseKind())
}

func TestErrorEnvelope(t *testing.T) {
	werr := Errf(CodeCapabilityViolation, "nope")
	werr.AttemptedKind = "mcp/request"
	env := ErrorEnvelope("mew/v0.4", "alice", "e42", werr)

	assert.Equal(t, KindSystemError, env.Kind)
	assert.Equal(t, GatewayID, env.From)
	assert.Equal(t, []string{"alice"}, env.To)
	assert.Equal(t, []string{"e42"}, env.CorrelationID)

	var payload WireError
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, CodeCapabilityViolation, payload.Code)
	assert.Equal(t, "mcp/request", payload.AttemptedKind)
}

func TestCorrelates(t *testing.T) {
	env := &Envelope{CorrelationID: []string{"a", "b"}}
	assert.True(t, env.Correlates("b"))
	assert.False(t, env.Correlates("c"))
}
