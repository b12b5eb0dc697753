package auth

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultCaps = []json.RawMessage{json.RawMessage(`"chat"`), json.RawMessage(`"mcp/response"`)}

func TestMintVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secret", false, defaultCaps, time.Hour)

	token, err := v.Mint(Claims{
		ParticipantID: "alice",
		Space:         "demo",
		Capabilities:  []json.RawMessage{json.RawMessage(`"chat"`)},
	})
	require.NoError(t, err)

	claims, err := v.Verify(token, "demo")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ParticipantID)
	assert.Equal(t, "demo", claims.Space)
	require.Len(t, claims.Capabilities, 1)
	assert.JSONEq(t, `"chat"`, string(claims.Capabilities[0]))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier("secret", false, nil, time.Hour)
	token, err := v.Mint(Claims{ParticipantID: "alice", Space: "demo"})
	require.NoError(t, err)

	_, sig, _ := strings.Cut(token, ".")
	forged, _ := json.Marshal(Claims{ParticipantID: "mallory", Space: "demo"})
	tampered := encode(forged) + "." + sig
	_, err = v.Verify(tampered, "demo")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewVerifier("secret-a", false, nil, time.Hour)
	verifier := NewVerifier("secret-b", false, nil, time.Hour)

	token, err := minter.Mint(Claims{ParticipantID: "alice", Space: "demo"})
	require.NoError(t, err)
	_, err = verifier.Verify(token, "demo")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("secret", false, nil, time.Hour)
	token, err := v.Mint(Claims{ParticipantID: "alice", Space: "demo", Exp: time.Now().Add(-time.Minute).Unix()})
	require.NoError(t, err)
	_, err = v.Verify(token, "demo")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsSpaceMismatch(t *testing.T) {
	v := NewVerifier("secret", false, nil, time.Hour)
	token, err := v.Mint(Claims{ParticipantID: "alice", Space: "demo"})
	require.NoError(t, err)
	_, err = v.Verify(token, "other")
	assert.ErrorIs(t, err, ErrSpaceMismatch)
}

func TestBareIDTokenOnlyInInsecureMode(t *testing.T) {
	secure := NewVerifier("secret", false, defaultCaps, time.Hour)
	_, err := secure.Verify("alice", "demo")
	assert.ErrorIs(t, err, ErrMalformed)

	insecure := NewVerifier("secret", true, defaultCaps, time.Hour)
	claims, err := insecure.Verify("alice", "demo")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ParticipantID)
	assert.Equal(t, "demo", claims.Space)
	assert.Equal(t, defaultCaps, claims.Capabilities)
}

func TestDefaultCapabilitiesFillEmptyClaims(t *testing.T) {
	v := NewVerifier("secret", false, defaultCaps, time.Hour)
	token, err := v.Mint(Claims{ParticipantID: "alice", Space: "demo"})
	require.NoError(t, err)
	claims, err := v.Verify(token, "demo")
	require.NoError(t, err)
	assert.Equal(t, defaultCaps, claims.Capabilities)
}

func TestMintRequiresIdentity(t *testing.T) {
	v := NewVerifier("secret", false, nil, time.Hour)
	_, err := v.Mint(Claims{Space: "demo"})
	assert.Error(t, err)
	_, err = v.Mint(Claims{ParticipantID: "alice"})
	assert.Error(t, err)
}
