package proactivity

import (
	"log/slog"
	"sync"

	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// Watcher represents a single SSE client following an org's
// suggestion feed.
type Watcher struct {
	ch chan store.Suggestion
}

// C returns the channel that receives new suggestions.
func (w *Watcher) C() <-chan store.Suggestion {
	return w.ch
}

// Hub tracks active suggestion watchers per organization and fans out
// newly fired suggestions.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*Watcher]struct{} // orgID -> set of watchers
}

// NewHub creates an empty suggestion watcher Hub.
func NewHub() *Hub {
	return &Hub{
		watchers: make(map[string]map[*Watcher]struct{}),
	}
}

// Watch registers a new watcher for the given org.
// The returned Watcher should be removed with Unwatch when done.
func (h *Hub) Watch(orgID string) *Watcher {
	w := &Watcher{
		ch: make(chan store.Suggestion, 128),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.watchers[orgID] == nil {
		h.watchers[orgID] = make(map[*Watcher]struct{})
	}
	h.watchers[orgID][w] = struct{}{}
	metrics.SSEClientsActive.Inc()

	return w
}

// Unwatch removes a watcher. Safe to call multiple times.
func (h *Hub) Unwatch(orgID string, w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ws, ok := h.watchers[orgID]; ok {
		if _, present := ws[w]; present {
			delete(ws, w)
			metrics.SSEClientsActive.Dec()
		}
		if len(ws) == 0 {
			delete(h.watchers, orgID)
		}
	}
}

// Notify sends a suggestion to all watchers of the given org.
// Non-blocking: a watcher whose buffer is full misses the suggestion
// and can recover it from the REST listing.
func (h *Hub) Notify(orgID string, sg store.Suggestion) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for w := range h.watchers[orgID] {
		select {
		case w.ch <- sg:
		default:
			slog.Warn("suggestion watcher buffer full, dropping", "org_id", orgID, "suggestion_id", sg.ID)
		}
	}
}

// WatcherCount returns how many clients follow the org's feed.
func (h *Hub) WatcherCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[orgID])
}
