package capability

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
)

func testEnv(kind string, payload string) *envelope.Envelope {
	env := &envelope.Envelope{
		Protocol: "mew/v0.4",
		From:     "alice",
		Kind:     kind,
	}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	env.Normalize(time.Now())
	return env
}

func mustSet(t *testing.T, patterns ...string) *Set {
	t.Helper()
	raws := make([]json.RawMessage, 0, len(patterns))
	for _, p := range patterns {
		raws = append(raws, json.RawMessage(p))
	}
	s, err := NewSet(raws)
	require.NoError(t, err)
	return s
}

func TestShorthandStringPattern(t *testing.T) {
	s := mustSet(t, `"chat"`)
	assert.True(t, s.Allows(testEnv("chat", `{"text":"hi"}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{}`)).Allowed)
}

func TestGlobKindPatterns(t *testing.T) {
	cases := []struct {
		pattern string
		kind    string
		want    bool
	}{
		{`"mcp/*"`, "mcp/request", true},
		{`"mcp/*"`, "mcp/response", true},
		{`"mcp/*"`, "chat", false},
		{`"*"`, "chat", true},
		{`"*"`, "mcp/request", false}, // single star stays within a segment
		{`"**"`, "mcp/request", true},
		{`"stream/????"`, "stream/data", true},
		{`"stream/????"`, "stream/close", false},
	}
	for _, tc := range cases {
		s := mustSet(t, tc.pattern)
		got := s.Allows(testEnv(tc.kind, "")).Allowed
		assert.Equal(t, tc.want, got, "pattern %s kind %s", tc.pattern, tc.kind)
	}
}

func TestRegexKindPattern(t *testing.T) {
	s := mustSet(t, `"/^reasoning\\/(start|thought)$/"`)
	assert.True(t, s.Allows(testEnv("reasoning/thought", "")).Allowed)
	assert.False(t, s.Allows(testEnv("reasoning/cancel", "")).Allowed)
}

func TestNegationDeniesDespitePositiveMatch(t *testing.T) {
	s := mustSet(t, `"**"`, `"!mcp/request"`)
	assert.True(t, s.Allows(testEnv("chat", "")).Allowed)
	d := s.Allows(testEnv("mcp/request", ""))
	assert.False(t, d.Allowed)
	assert.Equal(t, `"!mcp/request"`, d.Matched)
}

func TestPayloadStructuralMatch(t *testing.T) {
	s := mustSet(t, `{"kind":"mcp/request","payload":{"method":"tools/*"}}`)
	assert.True(t, s.Allows(testEnv("mcp/request", `{"method":"tools/call","params":{}}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{"method":"resources/read"}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{}`)).Allowed)
}

func TestArrayOneOf(t *testing.T) {
	s := mustSet(t, `{"kind":["chat","chat/acknowledge"]}`)
	assert.True(t, s.Allows(testEnv("chat", "")).Allowed)
	assert.True(t, s.Allows(testEnv("chat/acknowledge", "")).Allowed)
	assert.False(t, s.Allows(testEnv("chat/cancel", "")).Allowed)
}

func TestJSONPathKey(t *testing.T) {
	s := mustSet(t, `{"kind":"mcp/request","$.payload.params.name":"calculator"}`)
	assert.True(t, s.Allows(testEnv("mcp/request", `{"params":{"name":"calculator"}}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{"params":{"name":"rm"}}`)).Allowed)
}

func TestDeepKeySearchesSubtree(t *testing.T) {
	s := mustSet(t, `{"kind":"mcp/request","payload":{"**":"dangerous"}}`)
	assert.True(t, s.Allows(testEnv("mcp/request", `{"a":{"b":["dangerous"]}}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{"a":{"b":["safe"]}}`)).Allowed)
}

func TestScalarPatterns(t *testing.T) {
	s := mustSet(t, `{"kind":"mcp/request","payload":{"depth":2,"dry_run":true}}`)
	assert.True(t, s.Allows(testEnv("mcp/request", `{"depth":2,"dry_run":true}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{"depth":3,"dry_run":true}`)).Allowed)
}

func TestEmptySetDeniesEverything(t *testing.T) {
	s := mustSet(t)
	assert.False(t, s.Allows(testEnv("chat", "")).Allowed)
}

func TestCompileRejectsBadRegex(t *testing.T) {
	_, err := NewSet([]json.RawMessage{json.RawMessage(`"/(/"`)})
	require.Error(t, err)
}

func TestDecisionCacheStable(t *testing.T) {
	s := mustSet(t, `"chat"`)
	env := testEnv("chat", `{"text":"hi"}`)
	first := s.Allows(env)
	second := s.Allows(env)
	assert.Equal(t, first, second)
	assert.True(t, second.Allowed)
}

func TestDecisionCacheDistinguishesContext(t *testing.T) {
	s := mustSet(t, `{"kind":"chat","context":"thread-1"}`)

	in := testEnv("chat", `{"text":"hi"}`)
	in.Context = "thread-1"
	require.True(t, s.Allows(in).Allowed)

	// Same sender, kind, and payload; only the context differs. A cached
	// allow for the in-context envelope must not leak onto this one.
	out := testEnv("chat", `{"text":"hi"}`)
	out.Context = "thread-2"
	assert.False(t, s.Allows(out).Allowed)

	none := testEnv("chat", `{"text":"hi"}`)
	assert.False(t, s.Allows(none).Allowed)
}

func TestDecisionCacheDistinguishesCorrelation(t *testing.T) {
	s := mustSet(t, `{"kind":"mcp/response","$.correlation_id.0":"r1"}`)

	in := testEnv("mcp/response", `{"result":{}}`)
	in.CorrelationID = []string{"r1"}
	require.True(t, s.Allows(in).Allowed)

	out := testEnv("mcp/response", `{"result":{}}`)
	out.CorrelationID = []string{"r2"}
	assert.False(t, s.Allows(out).Allowed)
}

func TestNegatedNestedStringAgainstMissingField(t *testing.T) {
	// A negated payload field must hold even when the field is absent.
	s := mustSet(t, `{"kind":"mcp/request","payload":{"method":"!tools/delete"}}`)
	assert.True(t, s.Allows(testEnv("mcp/request", `{"method":"tools/call"}`)).Allowed)
	assert.True(t, s.Allows(testEnv("mcp/request", `{}`)).Allowed)
	assert.False(t, s.Allows(testEnv("mcp/request", `{"method":"tools/delete"}`)).Allowed)
}
