package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew-gateway/internal/auth"
	"github.com/mew-protocol/mew-gateway/internal/config"
	"github.com/mew-protocol/mew-gateway/internal/envelope"
	"github.com/mew-protocol/mew-gateway/internal/gateway"
	"github.com/mew-protocol/mew-gateway/internal/gateway/spacelog"
	"github.com/mew-protocol/mew-gateway/internal/space"
)

const protocolTag = "mew/v0.4"

// newGateway spins up a full in-process gateway with insecure auth, so bare
// participant ids work as tokens.
func newGateway(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.Insecure = true
	cfg.Logs.Dir = filepath.Join(t.TempDir(), "logs")
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := spacelog.New(cfg.Logs.Dir, log)
	t.Cleanup(func() { rec.Close() })

	verifier := auth.NewVerifier("test-secret", cfg.Auth.Insecure,
		config.CapabilityPatterns(cfg.Auth.DefaultCapabilities),
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	spaces := space.NewManager(cfg.SpaceConfig(), rec, log)
	srv := gateway.New(&cfg, verifier, spaces, log)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	// Drain participants before the server and log dir go away, so late
	// readLoop teardowns don't write into a TempDir mid-removal.
	t.Cleanup(func() { spaces.Shutdown("test_shutdown") })
	return ts
}

func dial(t *testing.T, ts *httptest.Server, spaceName, participant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + spaceName + "?token=" + participant
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *envelope.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Parse(data)
	require.NoError(t, err)
	return env
}

// readUntil skips envelopes until one of the wanted kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) *envelope.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		if env.Kind == kind {
			return env
		}
	}
	t.Fatalf("no %s envelope received", kind)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, env *envelope.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func chatFrom(from, text string) *envelope.Envelope {
	return &envelope.Envelope{
		Protocol: protocolTag,
		From:     from,
		Kind:     "chat",
		Payload:  json.RawMessage(`{"text":"` + text + `"}`),
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newGateway(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		Protocol string `json:"protocol"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, protocolTag, body.Protocol)
}

func TestChatBroadcastOverWebSocket(t *testing.T) {
	ts := newGateway(t, nil)

	alice := dial(t, ts, "demo", "alice")
	welcome := readEnvelope(t, alice)
	require.Equal(t, envelope.KindSystemWelcome, welcome.Kind)

	bob := dial(t, ts, "demo", "bob")
	require.Equal(t, envelope.KindSystemWelcome, readEnvelope(t, bob).Kind)

	// Alice sees Bob join before any chat.
	presence := readUntil(t, alice, envelope.KindSystemPresence)
	var pres envelope.PresencePayload
	require.NoError(t, json.Unmarshal(presence.Payload, &pres))
	assert.Equal(t, "join", pres.Event)
	assert.Equal(t, "bob", pres.Participant.ID)

	send(t, alice, chatFrom("alice", "hello"))
	chat := readUntil(t, bob, "chat")
	assert.Equal(t, "alice", chat.From)
	assert.NotEmpty(t, chat.ID)
	assert.NotEmpty(t, chat.TS)
}

func TestCapabilityViolationOverWebSocket(t *testing.T) {
	ts := newGateway(t, nil)

	alice := dial(t, ts, "demo", "alice")
	readEnvelope(t, alice) // welcome

	// Default capabilities are chat and mcp/response only.
	send(t, alice, &envelope.Envelope{
		Protocol: protocolTag,
		From:     "alice",
		Kind:     "mcp/request",
		Payload:  json.RawMessage(`{"method":"tools/call"}`),
	})

	errEnv := readUntil(t, alice, envelope.KindSystemError)
	var werr envelope.WireError
	require.NoError(t, json.Unmarshal(errEnv.Payload, &werr))
	assert.Equal(t, envelope.CodeCapabilityViolation, werr.Code)
	assert.Equal(t, "mcp/request", werr.AttemptedKind)
	assert.NotEmpty(t, werr.YourCapabilities)
}

func TestDuplicateParticipantRejected(t *testing.T) {
	ts := newGateway(t, nil)

	first := dial(t, ts, "demo", "alice")
	readEnvelope(t, first)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/demo?token=alice"
	second, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy-violation close, got %v", err)
}

func TestLazyAutoConnectViaHTTPPost(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logger.jsonl")
	ts := newGateway(t, func(cfg *config.Config) {
		cfg.Participants = []config.ParticipantConfig{{
			Space:        "demo",
			ID:           "logger",
			OutputLog:    logPath,
			Capabilities: []string{"chat"},
		}}
	})

	alice := dial(t, ts, "demo", "alice")
	readEnvelope(t, alice)

	body, err := chatFrom("logger", "first post").Encode()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/participants/logger/messages?space=demo", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer logger")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Success bool `json:"success"`
		Sent    int  `json:"sent"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Sent)

	// Alice receives the posted chat.
	chat := readUntil(t, alice, "chat")
	assert.Equal(t, "logger", chat.From)

	// The welcome is the first line in the logger's output log.
	lines := logLines(t, logPath)
	require.NotEmpty(t, lines)
	first, err := envelope.Parse([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, envelope.KindSystemWelcome, first.Kind)

	// Subsequent broadcasts append to the log too.
	send(t, alice, chatFrom("alice", "reply"))
	require.Eventually(t, func() bool {
		for _, line := range logLines(t, logPath) {
			env, err := envelope.Parse([]byte(line))
			if err == nil && env.Kind == "chat" && env.From == "alice" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPostWithoutConnectionOrOutputLog(t *testing.T) {
	ts := newGateway(t, nil)

	body, err := chatFrom("ghost", "hello").Encode()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/participants/ghost/messages?space=demo", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ghost")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostBatchFromLiveParticipant(t *testing.T) {
	ts := newGateway(t, nil)

	alice := dial(t, ts, "demo", "alice")
	readEnvelope(t, alice)
	bob := dial(t, ts, "demo", "bob")
	readEnvelope(t, bob)

	one, err := chatFrom("alice", "one").Encode()
	require.NoError(t, err)
	two, err := chatFrom("alice", "two").Encode()
	require.NoError(t, err)
	batch, err := json.Marshal(map[string][]json.RawMessage{
		"messages": {one, two},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/participants/alice/messages?space=demo", bytes.NewReader(batch))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Sent int `json:"sent"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Sent)

	readUntil(t, bob, "chat")
	readUntil(t, bob, "chat")
}

func TestPostCapabilityViolationMapsTo401(t *testing.T) {
	ts := newGateway(t, nil)

	alice := dial(t, ts, "demo", "alice")
	readEnvelope(t, alice)

	env := &envelope.Envelope{
		Protocol: protocolTag,
		From:     "alice",
		Kind:     "mcp/request",
		Payload:  json.RawMessage(`{"method":"tools/call"}`),
	}
	body, err := env.Encode()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/participants/alice/messages?space=demo", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, envelope.CodeCapabilityViolation, payload.Code)
}

func TestEnvelopeHistoryLogWritten(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	ts := newGateway(t, func(cfg *config.Config) { cfg.Logs.Dir = logDir })

	alice := dial(t, ts, "demo", "alice")
	readEnvelope(t, alice)
	send(t, alice, chatFrom("alice", "logged"))

	historyPath := filepath.Join(logDir, "demo", "envelope-history.jsonl")
	require.Eventually(t, func() bool {
		for _, line := range logLines(t, historyPath) {
			env, err := envelope.Parse([]byte(line))
			if err == nil && env.Kind == "chat" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func logLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}
