package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-realtime/internal/config"
	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

// Server holds the HTTP handlers of the realtime endpoint.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	resolver identity.Resolver
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewServer creates the handlers for hub. Connections are authenticated by
// resolver before the upgrade.
func NewServer(cfg config.ServerConfig, hub *Hub, resolver identity.Resolver, log *logger.Logger) *Server {
	log = log.With("component", "Server")
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		resolver: resolver,
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// WebSocketHandler resolves the caller's principal, upgrades the connection
// and hands the new client to the hub.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	p, err := s.resolver.Resolve(r)
	if err != nil {
		s.log.Info("Rejected WebSocket handshake", "addr", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, p, r.RemoteAddr, s.cfg)

	// The hub launches the pump goroutines.
	select {
	case s.hub.register <- client:
	case <-s.hub.ctx.Done():
		_ = conn.Close()
	}
}

// HealthHandler reports that the server is running.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Realtime server is running! clients=%d", s.hub.Len())
}
