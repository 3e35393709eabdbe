package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// RegistryService manages the gateway fleet over HTTP: registration,
// liveness heartbeats, deregistration, and the stale sweep that flips
// silent gateways offline.
type RegistryService struct {
	st                *store.Store
	events            *proactivity.Publisher
	baseURL           string
	heartbeatInterval time.Duration
	offlineThreshold  time.Duration
}

func NewRegistryService(st *store.Store, events *proactivity.Publisher, baseURL string, heartbeatInterval, offlineThreshold time.Duration) *RegistryService {
	return &RegistryService{
		st:                st,
		events:            events,
		baseURL:           baseURL,
		heartbeatInterval: heartbeatInterval,
		offlineThreshold:  offlineThreshold,
	}
}

// publishGatewayEvent records a fleet lifecycle event. Registration
// must not fail because the event log hiccupped, so errors only warn.
func (s *RegistryService) publishGatewayEvent(ctx context.Context, eventType, orgID, gatewayID, name string) {
	if _, err := s.events.Publish(ctx, proactivity.Event{
		Type:    eventType,
		OrgID:   orgID,
		Source:  "gateway_registry",
		Payload: map[string]any{"gateway_id": gatewayID, "name": name},
	}); err != nil {
		slog.Warn("gateway event publish failed", "type", eventType, "gateway_id", gatewayID, "error", err)
	}
}

type registerRequest struct {
	OrganizationID    string   `json:"organization_id"`
	RegistrationToken string   `json:"registration_token"`
	Name              string   `json:"name"`
	URL               string   `json:"url"`
	WorkspaceRoot     string   `json:"workspace_root"`
	Version           string   `json:"version"`
	Capabilities      []string `json:"capabilities"`
}

// Register handles POST /gateway-registry/register. The registration
// token identifies the gateway: a token seen before re-registers the
// same row, an unseen one creates a new gateway. Every call rotates
// the relay token and stores only its hash.
func (s *RegistryService) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OrganizationID == "" || req.RegistrationToken == "" || req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "organization_id, registration_token and name are required")
		return
	}

	ctx := r.Context()
	if _, err := s.st.GetOrgByID(ctx, req.OrganizationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorJSON(w, http.StatusNotFound, "organization not found")
			return
		}
		slog.Error("registry org lookup failed", "org_id", req.OrganizationID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "registration failed")
		return
	}

	relayToken := id.Generate()
	relayHash := auth.HashToken(relayToken)

	gw, err := s.st.GetGatewayByRegistrationToken(ctx, store.GetGatewayByRegistrationTokenParams{
		OrgID:                 req.OrganizationID,
		RegistrationTokenHash: auth.HashToken(req.RegistrationToken),
	})
	switch {
	case err == nil:
		// Known token: same gateway coming back, possibly with new
		// endpoint details. Connection info merges so operator-added
		// keys survive.
		info := gw.ConnectionInfo
		if info == nil {
			info = map[string]any{}
		}
		if req.Version != "" {
			info["version"] = req.Version
		}
		if len(req.Capabilities) > 0 {
			info["capabilities"] = req.Capabilities
		}
		if err := s.st.UpdateGatewayRegistration(ctx, store.UpdateGatewayRegistrationParams{
			ID:             gw.ID,
			Name:           req.Name,
			URL:            req.URL,
			RelayTokenHash: relayHash,
			WorkspaceRoot:  req.WorkspaceRoot,
			ConnectionInfo: info,
		}); err != nil {
			slog.Error("gateway re-registration failed", "gateway_id", gw.ID, "error", err)
			errorJSON(w, http.StatusInternalServerError, "registration failed")
			return
		}
		slog.Info("gateway re-registered", "gateway_id", gw.ID, "name", req.Name)
		s.publishGatewayEvent(ctx, proactivity.EventGatewayRegistered, gw.OrgID, gw.ID, req.Name)
		s.writeRegistered(w, r, gw.ID, relayToken)

	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.st.GetGatewayByName(ctx, store.GetGatewayByNameParams{
			OrgID: req.OrganizationID,
			Name:  req.Name,
		}); err == nil {
			errorJSON(w, http.StatusConflict, "A gateway with this name already exists in the organization.")
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			slog.Error("registry name lookup failed", "name", req.Name, "error", err)
			errorJSON(w, http.StatusInternalServerError, "registration failed")
			return
		}

		info := map[string]any{}
		if req.Version != "" {
			info["version"] = req.Version
		}
		if len(req.Capabilities) > 0 {
			info["capabilities"] = req.Capabilities
		}
		gatewayID := id.Generate()
		if err := s.st.CreateGateway(ctx, store.CreateGatewayParams{
			ID:                    gatewayID,
			OrgID:                 req.OrganizationID,
			Name:                  req.Name,
			URL:                   req.URL,
			RelayTokenHash:        relayHash,
			RegistrationTokenHash: auth.HashToken(req.RegistrationToken),
			WorkspaceRoot:         req.WorkspaceRoot,
			ConnectionInfo:        info,
			AutoRegistered:        true,
		}); err != nil {
			slog.Error("gateway registration failed", "name", req.Name, "error", err)
			errorJSON(w, http.StatusInternalServerError, "registration failed")
			return
		}
		slog.Info("gateway registered", "gateway_id", gatewayID, "name", req.Name, "org_id", req.OrganizationID)
		s.publishGatewayEvent(ctx, proactivity.EventGatewayRegistered, req.OrganizationID, gatewayID, req.Name)
		s.writeRegistered(w, r, gatewayID, relayToken)

	default:
		slog.Error("registry token lookup failed", "error", err)
		errorJSON(w, http.StatusInternalServerError, "registration failed")
	}
}

func (s *RegistryService) writeRegistered(w http.ResponseWriter, r *http.Request, gatewayID, relayToken string) {
	base := s.baseURL
	if base == "" {
		base = r.Host
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_id":                 gatewayID,
		"relay_ws_url":               "wss://" + base + "/ws/gateway/" + gatewayID + "/relay",
		"relay_token":                relayToken,
		"heartbeat_interval_seconds": int64(s.heartbeatInterval.Seconds()),
	})
}

type heartbeatRequest struct {
	GatewayID  string         `json:"gateway_id"`
	RelayToken string         `json:"relay_token"`
	Status     string         `json:"status"`
	Metrics    map[string]any `json:"metrics"`
}

// Heartbeat handles POST /gateway-registry/heartbeat. Existence is
// checked before the token so a deleted gateway reads as 404, not 401.
func (s *RegistryService) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.GatewayID == "" || req.RelayToken == "" {
		errorJSON(w, http.StatusBadRequest, "gateway_id and relay_token are required")
		return
	}

	ctx := r.Context()
	gw, err := s.st.GetGatewayByID(ctx, req.GatewayID)
	if errors.Is(err, sql.ErrNoRows) {
		errorJSON(w, http.StatusNotFound, "gateway not found")
		return
	}
	if err != nil {
		slog.Error("heartbeat gateway lookup failed", "gateway_id", req.GatewayID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	if auth.HashToken(req.RelayToken) != gw.RelayTokenHash {
		errorJSON(w, http.StatusUnauthorized, "invalid relay token")
		return
	}

	status := req.Status
	if status == "" {
		status = store.GatewayOnline
	}
	switch status {
	case store.GatewayPending, store.GatewayOnline, store.GatewayOffline:
	default:
		errorJSON(w, http.StatusBadRequest, "invalid status")
		return
	}

	info := gw.ConnectionInfo
	if info == nil {
		info = map[string]any{}
	}
	if req.Metrics != nil {
		info["metrics"] = req.Metrics
	}
	if err := s.st.RecordGatewayHeartbeat(ctx, store.RecordGatewayHeartbeatParams{
		ID:             gw.ID,
		Status:         status,
		ConnectionInfo: info,
	}); err != nil {
		slog.Error("record heartbeat failed", "gateway_id", gw.ID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	okJSON(w)
}

type deregisterRequest struct {
	GatewayID  string `json:"gateway_id"`
	RelayToken string `json:"relay_token"`
}

// Deregister handles DELETE /gateway-registry/deregister. The gateway
// row stays; only its status flips offline.
func (s *RegistryService) Deregister(w http.ResponseWriter, r *http.Request) {
	var req deregisterRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.GatewayID == "" || req.RelayToken == "" {
		errorJSON(w, http.StatusBadRequest, "gateway_id and relay_token are required")
		return
	}

	ctx := r.Context()
	gw, err := s.st.GetGatewayByID(ctx, req.GatewayID)
	if errors.Is(err, sql.ErrNoRows) {
		errorJSON(w, http.StatusNotFound, "gateway not found")
		return
	}
	if err != nil {
		slog.Error("deregister gateway lookup failed", "gateway_id", req.GatewayID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "deregistration failed")
		return
	}
	if auth.HashToken(req.RelayToken) != gw.RelayTokenHash {
		errorJSON(w, http.StatusUnauthorized, "invalid relay token")
		return
	}

	if err := s.st.UpdateGatewayStatus(ctx, gw.ID, store.GatewayOffline); err != nil {
		slog.Error("deregister status update failed", "gateway_id", gw.ID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "deregistration failed")
		return
	}
	slog.Info("gateway deregistered", "gateway_id", gw.ID, "name", gw.Name)
	s.publishGatewayEvent(ctx, proactivity.EventGatewayOffline, gw.OrgID, gw.ID, gw.Name)
	okJSON(w)
}

// MarkStale flips online gateways whose last heartbeat predates the
// offline threshold. Runs on a schedule; returns how many flipped.
func (s *RegistryService) MarkStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.offlineThreshold)
	stale, err := s.st.ListStaleOnlineGateways(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	flipped := 0
	for _, gw := range stale {
		if err := s.st.UpdateGatewayStatus(ctx, gw.ID, store.GatewayOffline); err != nil {
			slog.Error("stale gateway flip failed", "gateway_id", gw.ID, "error", err)
			continue
		}
		slog.Warn("gateway went stale", "gateway_id", gw.ID, "name", gw.Name, "last_heartbeat_at", gw.LastHeartbeatAt)
		s.publishGatewayEvent(ctx, proactivity.EventGatewayOffline, gw.OrgID, gw.ID, gw.Name)
		flipped++
	}

	if n, err := s.st.CountOnlineGateways(ctx); err == nil {
		metrics.GatewaysOnline.Set(float64(n))
	}
	return flipped, nil
}
