// Package patchsrv exposes the gateway's local control API. The core
// pushes agent heartbeat schedules here; the gateway applies them to
// its in-memory agent registry.
package patchsrv

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// AgentHeartbeat is one agent's applied heartbeat configuration. A nil
// Heartbeat means the agent's scheduled heartbeat is switched off.
type AgentHeartbeat struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Workspace string         `json:"workspace"`
	Heartbeat map[string]any `json:"heartbeat"`
}

// Server holds the applied heartbeat state and authenticates patch
// requests. The core proves its identity by presenting the SHA-256 hex
// of this gateway's relay token as a bearer token.
type Server struct {
	tokenHash string

	mu      sync.Mutex
	applied map[string]AgentHeartbeat
}

// New creates a patch server keyed to the given raw relay token.
func New(relayToken string) *Server {
	sum := sha256.Sum256([]byte(relayToken))
	return &Server{
		tokenHash: hex.EncodeToString(sum[:]),
		applied:   make(map[string]AgentHeartbeat),
	}
}

// Handler returns the HTTP handler for the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /v1/agents/heartbeats", s.patchHeartbeats)
	return mux
}

// Applied returns a snapshot of the current per-agent heartbeat state.
func (s *Server) Applied() map[string]AgentHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AgentHeartbeat, len(s.applied))
	for id, hb := range s.applied {
		out[id] = hb
	}
	return out
}

func (s *Server) patchHeartbeats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Agents []AgentHeartbeat `json:"agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	for _, entry := range body.Agents {
		if entry.ID == "" {
			continue
		}
		s.applied[entry.ID] = entry
	}
	count := len(body.Agents)
	s.mu.Unlock()

	slog.Info("applied heartbeat patch", "agents", count)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"applied": count})
}

func (s *Server) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	presented := auth[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.tokenHash)) == 1
}
