package service

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/boardsync"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

// ssePingInterval keeps idle SSE connections alive through proxies.
const ssePingInterval = 15 * time.Second

// SuggestionService serves the operator-facing suggestion API: listing,
// resolution, and the live SSE feed. All routes sit behind operator
// auth; the org scope comes from the authenticated operator.
type SuggestionService struct {
	st  *store.Store
	hub *proactivity.Hub
}

func NewSuggestionService(st *store.Store, hub *proactivity.Hub) *SuggestionService {
	return &SuggestionService{st: st, hub: hub}
}

// List handles GET /suggestions with optional status, board_id and
// priority filters, newest first.
func (s *SuggestionService) List(w http.ResponseWriter, r *http.Request) {
	op := auth.GetOperator(r.Context())
	q := r.URL.Query()
	suggestions, err := s.st.ListSuggestions(r.Context(), store.ListSuggestionsParams{
		OrgID:    op.OrgID,
		Status:   q.Get("status"),
		BoardID:  q.Get("board_id"),
		Priority: q.Get("priority"),
	})
	if err != nil {
		slog.Error("list suggestions failed", "org_id", op.OrgID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "list failed")
		return
	}

	wire := make([]map[string]any, 0, len(suggestions))
	for _, sg := range suggestions {
		wire = append(wire, boardsync.SuggestionWire(sg))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": wire,
		"total":       len(wire),
	})
}

// Get handles GET /suggestions/{suggestion_id}.
func (s *SuggestionService) Get(w http.ResponseWriter, r *http.Request) {
	op := auth.GetOperator(r.Context())
	sg, err := s.st.GetSuggestionByID(r.Context(), store.GetSuggestionParams{
		ID:    r.PathValue("suggestion_id"),
		OrgID: op.OrgID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		errorJSON(w, http.StatusNotFound, "suggestion not found")
		return
	}
	if err != nil {
		slog.Error("get suggestion failed", "error", err)
		errorJSON(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, boardsync.SuggestionWire(sg))
}

// Accept handles POST /suggestions/{suggestion_id}/accept and returns
// the resolved suggestion.
func (s *SuggestionService) Accept(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, store.SuggestionAccepted)
}

// Dismiss handles POST /suggestions/{suggestion_id}/dismiss.
func (s *SuggestionService) Dismiss(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, store.SuggestionDismissed)
}

func (s *SuggestionService) resolve(w http.ResponseWriter, r *http.Request, status string) {
	op := auth.GetOperator(r.Context())
	suggestionID := r.PathValue("suggestion_id")

	err := s.st.ResolveSuggestion(r.Context(), store.ResolveSuggestionParams{
		ID:         suggestionID,
		OrgID:      op.OrgID,
		Status:     status,
		ResolvedBy: op.ID,
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		errorJSON(w, http.StatusNotFound, "suggestion not found")
		return
	case errors.Is(err, store.ErrNotPending):
		errorJSON(w, http.StatusConflict, "suggestion is not pending")
		return
	case err != nil:
		slog.Error("resolve suggestion failed", "suggestion_id", suggestionID, "status", status, "error", err)
		errorJSON(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	slog.Info("suggestion resolved", "suggestion_id", suggestionID, "status", status, "operator", op.Username)

	if status == store.SuggestionDismissed {
		okJSON(w)
		return
	}
	sg, err := s.st.GetSuggestionByID(r.Context(), store.GetSuggestionParams{ID: suggestionID, OrgID: op.OrgID})
	if err != nil {
		slog.Error("reload resolved suggestion failed", "suggestion_id", suggestionID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, boardsync.SuggestionWire(sg))
}

// Stream handles GET /suggestions/stream: a server-sent-events feed of
// every suggestion fired in the operator's org, with periodic pings.
func (s *SuggestionService) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorJSON(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	op := auth.GetOperator(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	watcher := s.hub.Watch(op.OrgID)
	defer s.hub.Unwatch(op.OrgID, watcher)
	slog.Debug("suggestion stream opened", "org_id", op.OrgID, "operator", op.Username)

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("suggestion stream closed", "org_id", op.OrgID)
			return
		case sg := <-watcher.C():
			data, err := json.Marshal(map[string]any{
				"type":       protocol.TypeSuggestionNew,
				"suggestion": boardsync.SuggestionWire(sg),
			})
			if err != nil {
				slog.Error("suggestion encode failed", "suggestion_id", sg.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: suggestion\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
