package space

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mew-protocol/mew-gateway/internal/capability"
	"github.com/mew-protocol/mew-gateway/internal/envelope"
	"github.com/mew-protocol/mew-gateway/internal/metrics"
)

// Route processes one inbound envelope from an authenticated sender: sender
// verification, rate limiting, capability check, history append, recipient
// resolution, delivery, and the kind-specific engines. Failures are sent to
// the sender as system/error envelopes; the returned wire error lets the
// HTTP ingress map the same failure onto a status code.
func (s *Space) Route(senderID string, env *envelope.Envelope) (werr *envelope.WireError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A panic while routing must take down only this space, never the
	// process. Participants are disconnected with an internal-error close;
	// other spaces keep running.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("routing panic, terminating space", "panic", r, "kind", env.Kind)
			s.failLocked()
			werr = envelope.Errf(envelope.CodeServerError, "internal error, space terminated")
		}
	}()

	sender, ok := s.participants[senderID]
	if !ok {
		return envelope.Errf(envelope.CodeServerError, "sender %s not connected", senderID)
	}

	now := time.Now()
	env.Normalize(now)

	if werr := env.Validate(s.cfg.ProtocolTag, s.cfg.MaxPayloadBytes); werr != nil {
		metrics.EnvelopesTotal.WithLabelValues("invalid").Inc()
		return s.rejectLocked(sender, env, werr)
	}
	if env.From != senderID {
		metrics.EnvelopesTotal.WithLabelValues("denied").Inc()
		return s.rejectLocked(sender, env, envelope.Errf(envelope.CodeAuthViolation,
			"from %q does not match authenticated id %q", env.From, senderID))
	}
	if !sender.rates.allow(now, env.Kind, s.cfg.MessagesPerMinute, s.cfg.ChatPerMinute) {
		metrics.EnvelopesTotal.WithLabelValues("denied").Inc()
		return s.rejectLocked(sender, env, envelope.Errf(envelope.CodeRateLimited,
			"rate limit exceeded, window resets within 60s"))
	}

	decision := sender.caps.Allows(env)
	if !decision.Allowed && s.ackAllowedLocked(sender, env) {
		decision = capability.Decision{Allowed: true, Matched: "grant-ack"}
	}
	result := "allowed"
	if !decision.Allowed {
		result = "denied"
	}
	s.rec.RecordDecision(s.Name, DecisionEvent{
		TS:          now.UTC().Format(time.RFC3339Nano),
		Event:       "capability_check",
		Participant: senderID,
		EnvelopeID:  env.ID,
		Kind:        env.Kind,
		Result:      result,
		Matched:     decision.Matched,
	})
	if !decision.Allowed {
		metrics.EnvelopesTotal.WithLabelValues("denied").Inc()
		metrics.CapabilityDenials.WithLabelValues(env.Kind).Inc()
		werr := envelope.Errf(envelope.CodeCapabilityViolation,
			"capabilities do not permit kind %q", env.Kind)
		werr.AttemptedKind = env.Kind
		werr.YourCapabilities = sender.caps.Summaries()
		return s.rejectLocked(sender, env, werr)
	}

	if s.history.seen(env.ID) {
		metrics.EnvelopesTotal.WithLabelValues("invalid").Inc()
		return s.rejectLocked(sender, env, envelope.Errf(envelope.CodeInvalidFormat,
			"envelope id %q already seen in recent history", env.ID))
	}

	if werr := s.preRouteLocked(sender, env); werr != nil {
		metrics.EnvelopesTotal.WithLabelValues("denied").Inc()
		return s.rejectLocked(sender, env, werr)
	}

	s.history.append(env)
	s.rec.RecordEnvelope(s.Name, env)
	metrics.EnvelopesTotal.WithLabelValues("accepted").Inc()

	var recipients []*Participant
	if env.Broadcast() {
		for id, p := range s.participants {
			if id != senderID {
				recipients = append(recipients, p)
			}
		}
	} else {
		for _, to := range env.To {
			if to == envelope.GatewayID {
				continue
			}
			p, known := s.participants[to]
			if !known {
				// Reported to the sender, but delivery to the known
				// recipients still proceeds.
				s.sendErrorLocked(sender, env, envelope.Errf(envelope.CodeUnknownRecipient,
					"unknown recipient %q", to))
				continue
			}
			recipients = append(recipients, p)
		}
	}

	var failed []string
	for _, r := range recipients {
		if err := r.sink.Send(env); err != nil {
			s.log.Warn("delivery failed", "participant", r.ID, "kind", env.Kind, "error", err)
			failed = append(failed, r.ID)
			continue
		}
		metrics.DeliveriesTotal.Inc()
	}

	s.postRouteLocked(sender, env, now)

	for _, id := range failed {
		s.leaveLocked(id, "write_failed", true)
	}
	return nil
}

// rejectLocked drops the envelope: the sender gets a system/error and the
// same error is returned for transport-level mapping.
func (s *Space) rejectLocked(sender *Participant, env *envelope.Envelope, werr *envelope.WireError) *envelope.WireError {
	s.sendErrorLocked(sender, env, werr)
	return werr
}

func (s *Space) sendErrorLocked(sender *Participant, env *envelope.Envelope, werr *envelope.WireError) {
	errEnv := envelope.ErrorEnvelope(s.cfg.ProtocolTag, sender.ID, env.ID, werr)
	s.rec.RecordEnvelope(s.Name, errEnv)
	if err := sender.sink.Send(errEnv); err != nil {
		s.log.Warn("error delivery failed", "participant", sender.ID, "error", err)
	}
}

// preRouteLocked runs the kind-specific checks that can still reject an
// envelope after the capability check passed.
func (s *Space) preRouteLocked(sender *Participant, env *envelope.Envelope) *envelope.WireError {
	switch env.Kind {
	case envelope.KindStreamData:
		var ref streamRefPayload
		if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.StreamID == "" {
			return envelope.Errf(envelope.CodeInvalidFormat, "stream/data requires stream_id and sequence")
		}
		st, ok := s.streams[ref.StreamID]
		if !ok {
			return envelope.Errf(envelope.CodeStreamSequenceViolation,
				"no active stream %q", ref.StreamID)
		}
		return st.checkSequence(sender.ID, ref.Sequence, time.Now())

	case envelope.KindStreamClose, envelope.KindStreamComplete, envelope.KindStreamError:
		// Only the stream owner may tear a stream down; the gateway closes
		// streams itself when the owner disconnects.
		var ref streamRefPayload
		if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.StreamID == "" {
			return nil
		}
		if st, ok := s.streams[ref.StreamID]; ok && st.owner != sender.ID {
			return envelope.Errf(envelope.CodeCapabilityViolation,
				"only the owner %q may close stream %q", st.owner, ref.StreamID)
		}
		return nil

	case envelope.KindCapabilityGrant:
		return s.authorizeGrantLocked(sender, env)

	case envelope.KindCapabilityRevoke:
		return s.authorizeRevokeLocked(sender, env)
	}
	return nil
}

// ackAllowedLocked authorizes capability/grant-ack for the grantee of the
// correlated grant. Requiring an explicit capability for the ack would make
// grants unacknowledgeable under default capability sets.
func (s *Space) ackAllowedLocked(sender *Participant, env *envelope.Envelope) bool {
	if env.Kind != envelope.KindCapabilityGrantAck {
		return false
	}
	for _, corr := range env.CorrelationID {
		if g, ok := s.grants[corr]; ok && g.grantee == sender.ID {
			return true
		}
	}
	return false
}

// holdsMetaLocked reports whether the participant carries the capability/*
// meta capability, probed with a kind only the wildcard form matches.
func (s *Space) holdsMetaLocked(p *Participant) bool {
	probe := &envelope.Envelope{
		Protocol: s.cfg.ProtocolTag,
		From:     p.ID,
		Kind:     "capability/meta",
	}
	probe.Normalize(time.Now())
	return p.caps.Allows(probe).Allowed
}

func (s *Space) authorizeGrantLocked(granter *Participant, env *envelope.Envelope) *envelope.WireError {
	var gp grantPayload
	if err := json.Unmarshal(env.Payload, &gp); err != nil || gp.Recipient == "" || len(gp.Capabilities) == 0 {
		return envelope.Errf(envelope.CodeInvalidFormat,
			"capability/grant requires recipient and capabilities")
	}
	if _, ok := s.participants[gp.Recipient]; !ok {
		return envelope.Errf(envelope.CodeUnknownRecipient, "grant target %q not connected", gp.Recipient)
	}

	count := 0
	for _, g := range s.grants {
		if g.granter == granter.ID {
			count++
		}
	}
	if count >= s.cfg.MaxGrantsPerParticipant {
		return envelope.Errf(envelope.CodeHandlerError,
			"grant limit reached (%d per participant)", s.cfg.MaxGrantsPerParticipant)
	}

	if meta := s.holdsMetaLocked(granter); !meta {
		// Without the meta capability a participant may only hand out
		// authority it could exercise itself.
		for _, raw := range gp.Capabilities {
			kind, literal := patternKind(raw)
			if !literal {
				return envelope.Errf(envelope.CodeCapabilityViolation,
					"granting wildcard capabilities requires capability/*")
			}
			probe := &envelope.Envelope{Protocol: s.cfg.ProtocolTag, From: granter.ID, Kind: kind}
			probe.Normalize(time.Now())
			if !granter.caps.Allows(probe).Allowed {
				werr := envelope.Errf(envelope.CodeCapabilityViolation,
					"cannot grant capability for kind %q you do not hold", kind)
				werr.AttemptedKind = env.Kind
				werr.YourCapabilities = granter.caps.Summaries()
				return werr
			}
		}
	}
	return nil
}

func (s *Space) authorizeRevokeLocked(sender *Participant, env *envelope.Envelope) *envelope.WireError {
	var rp revokePayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil || rp.GrantID == "" {
		return envelope.Errf(envelope.CodeInvalidFormat, "capability/revoke requires grant_id")
	}
	g, ok := s.grants[rp.GrantID]
	if !ok {
		return envelope.Errf(envelope.CodeHandlerError, "unknown grant %q", rp.GrantID)
	}
	if g.granter != sender.ID && !s.holdsMetaLocked(sender) {
		return envelope.Errf(envelope.CodeCapabilityViolation,
			"only the granter or a capability/* holder may revoke grant %q", rp.GrantID)
	}
	return nil
}

// patternKind extracts the kind a granted pattern covers. literal is false
// when the kind carries glob or regex syntax.
func patternKind(raw json.RawMessage) (kind string, literal bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		kind = t
	case map[string]any:
		k, _ := t["kind"].(string)
		kind = k
	}
	if kind == "" {
		return "", false
	}
	if strings.ContainsAny(kind, "*?!") || strings.HasPrefix(kind, "/") {
		return kind, false
	}
	return kind, true
}

// postRouteLocked runs the engines that react to an envelope after it was
// accepted and delivered.
func (s *Space) postRouteLocked(sender *Participant, env *envelope.Envelope, now time.Time) {
	switch env.Kind {
	case envelope.KindMCPProposal:
		s.proposals[env.ID] = proposal{proposer: sender.ID, created: now}

	case envelope.KindMCPRequest, envelope.KindMCPResponse:
		for _, corr := range env.CorrelationID {
			if _, pending := s.proposals[corr]; pending {
				delete(s.proposals, corr)
				s.log.Debug("proposal fulfilled", "proposal", corr, "by", sender.ID, "kind", env.Kind)
			}
		}

	case envelope.KindCapabilityGrant:
		s.applyGrantLocked(sender, env)

	case envelope.KindCapabilityGrantAck:
		for _, corr := range env.CorrelationID {
			if g, ok := s.grants[corr]; ok && g.grantee == sender.ID {
				g.acked = true
			}
		}

	case envelope.KindCapabilityRevoke:
		s.applyRevokeLocked(env)

	case envelope.KindStreamRequest:
		s.openStreamLocked(sender, env, now)

	case envelope.KindStreamClose, envelope.KindStreamComplete, envelope.KindStreamError:
		var ref streamRefPayload
		if err := json.Unmarshal(env.Payload, &ref); err == nil && ref.StreamID != "" {
			if _, ok := s.streams[ref.StreamID]; ok {
				delete(s.streams, ref.StreamID)
				metrics.ActiveStreams.Dec()
			}
		}

	case envelope.KindSystemPing:
		pong := envelope.SystemEnvelope(s.cfg.ProtocolTag, envelope.KindSystemPong,
			[]string{sender.ID}, nil)
		pong.CorrelationID = []string{env.ID}
		s.rec.RecordEnvelope(s.Name, pong)
		if err := sender.sink.Send(pong); err != nil {
			s.log.Warn("pong delivery failed", "participant", sender.ID, "error", err)
		}

	case envelope.KindSystemLog:
		s.mirrorLog(sender.ID, env.Payload)
	}
}

func (s *Space) applyGrantLocked(granter *Participant, env *envelope.Envelope) {
	var gp grantPayload
	if err := json.Unmarshal(env.Payload, &gp); err != nil {
		return
	}
	grantee, ok := s.participants[gp.Recipient]
	if !ok {
		return
	}
	s.grants[env.ID] = &grant{
		id:       env.ID,
		granter:  granter.ID,
		grantee:  gp.Recipient,
		patterns: gp.Capabilities,
		issued:   time.Now(),
	}
	grantee.granted[env.ID] = gp.Capabilities
	if err := grantee.rebuildCaps(); err != nil {
		s.log.Error("capability rebuild failed after grant", "participant", gp.Recipient, "error", err)
		delete(s.grants, env.ID)
		delete(grantee.granted, env.ID)
		return
	}

	// The target must see the grant even when the granter addressed it
	// elsewhere (e.g. to the gateway).
	if !env.Broadcast() && !contains(env.To, gp.Recipient) {
		if err := grantee.sink.Send(env); err != nil {
			s.log.Warn("grant delivery failed", "participant", gp.Recipient, "error", err)
		}
	}
	s.log.Info("capability granted", "granter", granter.ID, "grantee", gp.Recipient, "grant", env.ID)
}

func (s *Space) applyRevokeLocked(env *envelope.Envelope) {
	var rp revokePayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		return
	}
	g, ok := s.grants[rp.GrantID]
	if !ok {
		return
	}
	delete(s.grants, rp.GrantID)
	grantee, ok := s.participants[g.grantee]
	if !ok {
		return
	}
	delete(grantee.granted, rp.GrantID)
	if err := grantee.rebuildCaps(); err != nil {
		s.log.Error("capability rebuild failed after revoke", "participant", g.grantee, "error", err)
	}
	if !env.Broadcast() && !contains(env.To, g.grantee) {
		if err := grantee.sink.Send(env); err != nil {
			s.log.Warn("revoke delivery failed", "participant", g.grantee, "error", err)
		}
	}
	s.log.Info("capability revoked", "grantee", g.grantee, "grant", rp.GrantID)
}

func (s *Space) openStreamLocked(owner *Participant, env *envelope.Envelope, now time.Time) {
	var req streamRequestPayload
	json.Unmarshal(env.Payload, &req)

	id := "stream-" + uuid.NewString()[:8]
	for s.streams[id] != nil {
		id = "stream-" + uuid.NewString()[:8]
	}
	st := &stream{
		id:        id,
		namespace: s.Name + "/" + id,
		owner:     owner.ID,
		direction: req.Direction,
		metadata:  req.Metadata,
		created:   now,
		lastSeq:   make(map[string]uint64),
	}
	s.streams[id] = st
	metrics.ActiveStreams.Inc()

	open := envelope.SystemEnvelope(s.cfg.ProtocolTag, envelope.KindStreamOpen, nil, streamOpenPayload{
		StreamID:  id,
		Namespace: st.namespace,
		Owner:     owner.ID,
		Direction: req.Direction,
		Metadata:  req.Metadata,
	})
	open.CorrelationID = []string{env.ID}
	open.Context = env.Context
	s.broadcastEnvelopeLocked(open, "")
	s.log.Info("stream opened", "stream", id, "owner", owner.ID)
}

// broadcastEnvelopeLocked records and delivers a gateway envelope to every
// participant except the excluded id.
func (s *Space) broadcastEnvelopeLocked(env *envelope.Envelope, exclude string) {
	s.rec.RecordEnvelope(s.Name, env)
	var failed []string
	for id, p := range s.participants {
		if id == exclude {
			continue
		}
		if err := p.sink.Send(env); err != nil {
			s.log.Warn("broadcast delivery failed", "participant", id, "kind", env.Kind, "error", err)
			failed = append(failed, id)
			continue
		}
		metrics.DeliveriesTotal.Inc()
	}
	for _, id := range failed {
		s.leaveLocked(id, "write_failed", true)
	}
}

func (s *Space) mirrorLog(from string, payload json.RawMessage) {
	var body struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}
	logger := s.log.With("participant", from)
	switch body.Level {
	case "error":
		logger.Error(body.Message)
	case "warn", "warning":
		logger.Warn(body.Message)
	case "debug":
		logger.Debug(body.Message)
	default:
		logger.Info(body.Message)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
