// Package gatewayapi is the HTTP client the core uses to push agent
// configuration changes onto gateways.
package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HeartbeatEntry is one agent's desired heartbeat in a batch patch.
// A nil Heartbeat removes the agent's heartbeat on the gateway.
type HeartbeatEntry struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Workspace string         `json:"workspace"`
	Heartbeat map[string]any `json:"heartbeat"`
}

// Client talks to gateway control endpoints. Gateways authenticate the
// core by comparing the bearer token against the SHA-256 hex of their
// own relay token, so the core only ever sends the stored hash.
type Client struct {
	http *http.Client
}

func New() *Client {
	return &Client{http: &http.Client{Timeout: 10 * time.Second}}
}

// NewWithHTTPClient creates a client with a custom transport. Used by
// tests and callers that need tighter timeouts.
func NewWithHTTPClient(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

// PatchHeartbeats applies a batch of heartbeat changes on one gateway.
// Patching is idempotent on the gateway side, so a batch may be resent
// after a partial failure without harm.
func (c *Client) PatchHeartbeats(ctx context.Context, baseURL, tokenHash string, entries []HeartbeatEntry) error {
	body, err := json.Marshal(map[string]any{"agents": entries})
	if err != nil {
		return fmt.Errorf("encode heartbeat patch: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/v1/agents/heartbeats"
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat patch: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokenHash)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("patch heartbeats on %s: %w", baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("patch heartbeats on %s: status %d: %s",
			baseURL, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
