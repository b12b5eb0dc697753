package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
	"github.com/mew-protocol/mew-gateway/internal/space"
)

const (
	handshakeWait = 15 * time.Second
	pongWait      = 60 * time.Second // time allowed to read the next pong
	pingPeriod    = 30 * time.Second // must be < pongWait
	writeWait     = 10 * time.Second
	sendBuffer    = 256
)

// wsConn is a live WebSocket participant connection. All writes go through
// the send channel into writePump, the only goroutine touching the socket's
// write side; readPump is the only reader.
type wsConn struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	done      chan struct{}
	once      sync.Once
	closeCode int
}

func newWSConn(conn *websocket.Conn, log *slog.Logger) *wsConn {
	return &wsConn{
		conn:      conn,
		log:       log,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseGoingAway,
	}
}

// Send queues an envelope for the write pump. It never blocks: a full
// buffer means the consumer is too slow and the router will disconnect it.
// Sends after Close always fail, even while the buffer has room.
func (c *wsConn) Send(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errSinkClosed
	default:
	}
	select {
	case <-c.done:
		return errSinkClosed
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Fail closes the connection with an internal-error status, used when the
// participant's space terminated abnormally.
func (c *wsConn) Fail() {
	c.once.Do(func() {
		c.closeCode = websocket.CloseInternalServerErr
		close(c.done)
	})
}

// writePump owns all writes to the socket: queued envelopes, keepalive
// pings, and the final close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("websocket write failed", "error", err)
				c.Close()
				return
			}
			// Drain whatever queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.log.Warn("websocket batch write failed", "error", err)
					c.Close()
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, "gateway closing"))
			return
		}
	}
}

// handleWebSocket upgrades the connection, authenticates the token against
// the space named in the URL, registers the participant, and runs the read
// loop until disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	spaceName := mux.Vars(r)["space"]
	if q := r.URL.Query().Get("space"); q != "" {
		spaceName = q
	}
	if spaceName == "" {
		http.Error(w, "space required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	claims, err := s.verifier.Verify(bearerToken(r), spaceName)
	if err != nil {
		s.log.Info("websocket auth rejected", "space", spaceName, "error", err)
		closePolicy(conn, err.Error())
		return
	}

	caps := claims.Capabilities
	outputLog := ""
	if pc, ok := s.cfg.Participant(spaceName, claims.ParticipantID); ok {
		outputLog = pc.OutputLog
		if len(pc.Capabilities) > 0 {
			caps = configPatterns(pc.Capabilities)
		}
	}

	client := newWSConn(conn, s.log.With("space", spaceName, "participant", claims.ParticipantID))
	go client.writePump()

	sp, _, err := s.spaces.Join(spaceName, claims.ParticipantID, caps, outputLog, client)
	if err != nil {
		if err == space.ErrDuplicateParticipant {
			closePolicy(conn, envelope.CodeDuplicateParticipant)
		} else {
			s.log.Error("join failed", "space", spaceName, "participant", claims.ParticipantID, "error", err)
			closeInternal(conn, envelope.CodeServerError)
		}
		client.Close()
		return
	}
	s.log.Info("participant connected", "space", spaceName, "participant", claims.ParticipantID)

	s.readLoop(sp, spaceName, claims.ParticipantID, client)
}

// readLoop is the only reader of the socket. It ferries envelopes into the
// space owner until the connection drops, then tears the participant down.
func (s *Server) readLoop(sp *space.Space, spaceName, participantID string, client *wsConn) {
	conn := client.conn
	conn.SetReadLimit(int64(s.cfg.Limits.MaxPayloadBytes) + 4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error", "participant", participantID, "error", err)
			}
			break
		}

		env, perr := envelope.Parse(payload)
		if perr != nil {
			errEnv := envelope.ErrorEnvelope(s.cfg.Protocol.Version, participantID, "",
				envelope.Errf(envelope.CodeInvalidFormat, "%v", perr))
			client.Send(errEnv)
			continue
		}
		sp.Route(participantID, env)
	}

	client.Close()
	s.spaces.Leave(spaceName, participantID, "connection_closed")
	s.log.Info("participant disconnected", "space", spaceName, "participant", participantID)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return h
	}
	return r.URL.Query().Get("token")
}

func closePolicy(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
	conn.Close()
}

func closeInternal(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason),
		time.Now().Add(writeWait))
	conn.Close()
}
