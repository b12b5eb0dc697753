// Package gateway is the connection layer: WebSocket and HTTP ingress, token
// authentication, and the sink abstraction that makes live sockets and
// log-backed participants look identical to the router.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mew-protocol/mew-gateway/internal/auth"
	"github.com/mew-protocol/mew-gateway/internal/config"
	"github.com/mew-protocol/mew-gateway/internal/space"
)

// Server ties the HTTP surface to the space manager and token verifier.
type Server struct {
	cfg      *config.Config
	verifier *auth.Verifier
	spaces   *space.Manager
	log      *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader
}

// New builds the gateway server.
func New(cfg *config.Config, verifier *auth.Verifier, spaces *space.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		spaces:   spaces,
		log:      log,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: handshakeWait,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the HTTP surface. The space-named WebSocket route is
// registered last so fixed paths keep precedence.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.cfg.Auth.DevTokenEndpoint {
		r.HandleFunc("/auth/token", s.handleMintToken).Methods(http.MethodPost)
	}
	r.HandleFunc("/participants/{id}/messages", s.handlePostMessages).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/{space}", s.handleWebSocket)
	return r
}

func configPatterns(entries []string) []json.RawMessage {
	return config.CapabilityPatterns(entries)
}
