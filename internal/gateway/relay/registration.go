package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RegisterParams is everything the registry needs to register this
// gateway. The registration token is the gateway's identity key: the
// same token always maps back to the same gateway row.
type RegisterParams struct {
	OrganizationID    string
	RegistrationToken string
	Name              string
	URL               string
	WorkspaceRoot     string
	Version           string
	Capabilities      []string
}

// RegistrationResult contains the credentials handed out by the
// registry. The relay token is shown exactly once per registration.
type RegistrationResult struct {
	GatewayID                string `json:"gateway_id"`
	RelayWSURL               string `json:"relay_ws_url"`
	RelayToken               string `json:"relay_token"`
	HeartbeatIntervalSeconds int64  `json:"heartbeat_interval_seconds"`
}

// Register registers this gateway with the core, retrying with
// exponential backoff while the core is unreachable. Client errors
// (4xx) are permanent and returned immediately.
func Register(ctx context.Context, coreURL string, params RegisterParams) (*RegistrationResult, error) {
	return registerWithClient(ctx, http.DefaultClient, coreURL, params, newDefaultBackoff())
}

func registerWithClient(ctx context.Context, httpClient *http.Client, coreURL string, params RegisterParams, bo backoff.BackOff) (*RegistrationResult, error) {
	body := map[string]any{
		"organization_id":    params.OrganizationID,
		"registration_token": params.RegistrationToken,
		"name":               params.Name,
		"url":                params.URL,
		"workspace_root":     params.WorkspaceRoot,
	}
	if params.Version != "" {
		body["version"] = params.Version
	}
	if len(params.Capabilities) > 0 {
		body["capabilities"] = params.Capabilities
	}

	for {
		var result RegistrationResult
		status, err := postJSON(ctx, httpClient, coreURL+"/gateway-registry/register", body, &result)
		if err == nil && status == http.StatusOK {
			slog.Info("gateway registered", "gateway_id", result.GatewayID, "relay_ws_url", result.RelayWSURL)
			return &result, nil
		}
		if err == nil && status >= 400 && status < 500 {
			return nil, fmt.Errorf("registration rejected: status %d", status)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		interval := bo.NextBackOff()
		slog.Warn("core unavailable, retrying registration...", "status", status, "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// SendHeartbeat reports liveness to the registry over HTTP. The WS
// relay connection carries traffic; this call carries the DB-visible
// liveness signal the stale sweeper watches.
func SendHeartbeat(ctx context.Context, coreURL, gatewayID, relayToken string, metrics map[string]any) error {
	body := map[string]any{
		"gateway_id":  gatewayID,
		"relay_token": relayToken,
		"status":      "online",
	}
	if metrics != nil {
		body["metrics"] = metrics
	}
	status, err := postJSON(ctx, http.DefaultClient, coreURL+"/gateway-registry/heartbeat", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("heartbeat rejected: status %d", status)
	}
	return nil
}

// Deregister tells the registry this gateway is going offline. Callers
// treat failures as best-effort; the stale sweeper converges anyway.
func Deregister(ctx context.Context, coreURL, gatewayID, relayToken string) error {
	body := map[string]any{
		"gateway_id":  gatewayID,
		"relay_token": relayToken,
	}
	status, err := doJSON(ctx, http.DefaultClient, http.MethodDelete, coreURL+"/gateway-registry/deregister", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("deregister rejected: status %d", status)
	}
	return nil
}

func postJSON(ctx context.Context, httpClient *http.Client, url string, body map[string]any, out any) (int, error) {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

func doJSON(ctx context.Context, httpClient *http.Client, method, url string, body map[string]any, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	// Drain so the connection can be reused; surface a short error body
	// in logs at the call site via the status code.
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 {
		slog.Debug("registry call failed", "url", url, "status", resp.StatusCode, "body", strings.TrimSpace(string(msg)))
	}
	return resp.StatusCode, nil
}
