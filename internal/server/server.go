// Package server exposes the websocket endpoint clients connect to and a
// token-guarded internal endpoint for other services to raise the same
// events without going through the change-data path.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classpulse/realtime/internal/event"
	"github.com/classpulse/realtime/internal/hub"
	"github.com/classpulse/realtime/libs/auth"
	"github.com/classpulse/realtime/libs/httpx"
)

type Config struct {
	// JWTSecret verifies HS256 tokens presented on /ws.
	JWTSecret string
	// EmitToken guards POST /internal/emit.
	EmitToken string
	// AllowedOrigins for the websocket upgrade; empty allows any origin
	// (the gateway in front enforces CORS for browsers).
	AllowedOrigins []string
}

type Server struct {
	hub      *hub.Hub
	logger   *slog.Logger
	cfg      Config
	jwks     *auth.JWKSClient
	upgrader websocket.Upgrader
}

func New(h *hub.Hub, logger *slog.Logger, cfg Config, jwks *auth.JWKSClient) *Server {
	s := &Server{hub: h, logger: logger, cfg: cfg, jwks: jwks}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// The websocket route stays outside any timeout wrapper; it is a
	// long-lived connection by design.
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/internal/emit", httpx.WithTimeout(5*time.Second)(http.HandlerFunc(s.handleEmit)))
}

func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || allowed == "*" {
			return true
		}
	}
	return false
}

// handleWS upgrades the connection and registers it under the identity the
// token proves. A missing or bad token still gets a connection, just an
// anonymous one: broadcasts are not authorization-scoped, targeted events
// only ever reach a proven identity.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := s.identityFromRequest(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.hub.Attach(ws, userID)
}

func (s *Server) identityFromRequest(r *http.Request) string {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		// Browser websocket clients cannot set headers; accept the token
		// as a query parameter too.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return ""
	}

	claims, err := s.verify(token)
	if err != nil {
		s.logger.Warn("websocket token rejected, connection downgraded to anonymous", "err", err)
		return ""
	}
	return claims.Sub
}

func (s *Server) verify(token string) (*auth.Claims, error) {
	header, err := auth.ParseHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Alg == "RS256" && s.jwks != nil {
		key, err := s.jwks.Get(header.Kid)
		if err != nil {
			return nil, err
		}
		return auth.VerifyRS256(token, key)
	}
	return auth.ParseAndVerifyHS256(token, s.cfg.JWTSecret)
}

type emitRequest struct {
	Kind    event.Kind      `json:"kind"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleEmit lets internal callers push an event immediately instead of
// waiting for the mutation to surface on the feed.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if s.cfg.EmitToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.EmitToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !event.Valid(req.Kind) {
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	if req.UserID != "" {
		s.hub.EmitToUser(req.UserID, req.Kind, payload)
	} else {
		s.hub.Broadcast(req.Kind, payload)
	}
	w.WriteHeader(http.StatusAccepted)
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
