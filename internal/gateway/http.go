package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mew-protocol/mew-gateway/internal/auth"
	"github.com/mew-protocol/mew-gateway/internal/config"
	"github.com/mew-protocol/mew-gateway/internal/envelope"
	"github.com/mew-protocol/mew-gateway/internal/space"
)

// handleHealth reports liveness, uptime, and the configured protocol tag.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   int(time.Since(s.started).Seconds()),
		"protocol": s.cfg.Protocol.Version,
	})
}

// postBody is the accepted shape of POST /participants/{id}/messages: either
// a single envelope or a batch under "messages".
type postBody struct {
	Messages []json.RawMessage `json:"messages"`
}

// handlePostMessages ingests envelopes over HTTP. The first authenticated
// POST from a log-backed participant with no live connection triggers lazy
// auto-connect: the participant joins with a sink that appends to its
// output log, welcome line first.
func (s *Server) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["id"]
	spaceName := r.URL.Query().Get("space")

	claims, err := s.verifier.Verify(bearerToken(r), spaceName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, envelope.CodeAuthViolation, err.Error())
		return
	}
	if claims.ParticipantID != participantID {
		writeError(w, http.StatusUnauthorized, envelope.CodeAuthViolation,
			"token is not valid for participant "+participantID)
		return
	}
	if spaceName == "" {
		spaceName = claims.Space
	}
	if spaceName == "" {
		writeError(w, http.StatusBadRequest, envelope.CodeInvalidFormat, "space not named by token or query")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.Limits.MaxPayloadBytes)*16))
	if err != nil {
		writeError(w, http.StatusBadRequest, envelope.CodeInvalidFormat, "request body too large or unreadable")
		return
	}

	messages, werr := splitMessages(body)
	if werr != nil {
		writeError(w, http.StatusBadRequest, werr.Code, werr.Message)
		return
	}

	sp, werr := s.ensureConnected(spaceName, participantID, claims)
	if werr != nil {
		writeError(w, statusFor(werr.Code), werr.Code, werr.Message)
		return
	}

	sent := 0
	for _, raw := range messages {
		env, perr := envelope.Parse(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, envelope.CodeInvalidFormat, perr.Error())
			return
		}
		if rerr := sp.Route(participantID, env); rerr != nil {
			writeError(w, statusFor(rerr.Code), rerr.Code, rerr.Message)
			return
		}
		sent++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sent":      sent,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ensureConnected resolves the sender's space entry, lazily auto-connecting
// log-backed participants on their first POST.
func (s *Server) ensureConnected(spaceName, participantID string, claims *auth.Claims) (*space.Space, *envelope.WireError) {
	if sp := s.spaces.Lookup(spaceName); sp != nil && sp.Lookup(participantID) != nil {
		return sp, nil
	}

	pc, preconfigured := s.cfg.Participant(spaceName, participantID)
	if !preconfigured || pc.OutputLog == "" {
		return nil, envelope.Errf(envelope.CodeHandlerError,
			"participant %q has no live connection and no output_log", participantID)
	}

	sink, err := newLogSink(pc.OutputLog)
	if err != nil {
		s.log.Error("output log open failed", "participant", participantID, "error", err)
		return nil, envelope.Errf(envelope.CodeServerError, "cannot open output log")
	}

	caps := claims.Capabilities
	if len(pc.Capabilities) > 0 {
		caps = config.CapabilityPatterns(pc.Capabilities)
	}
	sp, _, err := s.spaces.Join(spaceName, participantID, caps, pc.OutputLog, sink)
	if err != nil {
		sink.Close()
		if errors.Is(err, space.ErrDuplicateParticipant) {
			// Raced with a live connect; use the existing entry.
			if sp := s.spaces.Lookup(spaceName); sp != nil && sp.Lookup(participantID) != nil {
				return sp, nil
			}
		}
		return nil, envelope.Errf(envelope.CodeServerError, "auto-connect failed: %v", err)
	}
	s.log.Info("lazy auto-connect", "space", spaceName, "participant", participantID, "output_log", pc.OutputLog)
	return sp, nil
}

// handleMintToken issues development tokens. Only routed when
// auth.dev_token_endpoint is enabled.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req auth.Claims
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, envelope.CodeInvalidFormat, "invalid token request")
		return
	}
	token, err := s.verifier.Mint(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, envelope.CodeInvalidFormat, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func splitMessages(body []byte) ([]json.RawMessage, *envelope.WireError) {
	var batch postBody
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Messages) > 0 {
		return batch.Messages, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, envelope.Errf(envelope.CodeInvalidFormat, "body is not a JSON envelope or batch")
	}
	return []json.RawMessage{body}, nil
}

func statusFor(code string) int {
	switch code {
	case envelope.CodeAuthViolation, envelope.CodeCapabilityViolation:
		return http.StatusUnauthorized
	case envelope.CodeRateLimited:
		return http.StatusTooManyRequests
	case envelope.CodeDuplicateParticipant:
		return http.StatusConflict
	case envelope.CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
