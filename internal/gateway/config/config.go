// Package config holds the gateway client's runtime configuration and
// the credentials persisted across restarts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the gateway client's runtime configuration.
type Config struct {
	CoreURL           string `json:"core_url"`           // Core server base URL (e.g. "http://localhost:8443")
	DataDir           string `json:"data_dir"`           // Directory for persistent state
	Name              string `json:"name"`               // Gateway name shown to operators
	OrgID             string `json:"org_id"`             // Organization this gateway registers under
	RegistrationToken string `json:"registration_token"` // Identity key for (re-)registration
	WorkspaceRoot     string `json:"workspace_root"`     // Root directory for agent workspaces
	Listen            string `json:"listen"`             // Patch API listen address
	AdvertiseURL      string `json:"advertise_url"`      // URL the core uses to reach the patch API
}

// State is the credential set saved to disk after registration.
type State struct {
	GatewayID                string `json:"gateway_id"`
	RelayToken               string `json:"relay_token"`
	RelayWSURL               string `json:"relay_ws_url"`
	HeartbeatIntervalSeconds int64  `json:"heartbeat_interval_seconds"`
}

// Validate checks the configuration and ensures required directories
// exist.
func (c *Config) Validate() error {
	if c.CoreURL == "" {
		return fmt.Errorf("core URL is required")
	}
	if c.Name == "" {
		return fmt.Errorf("gateway name is required")
	}
	if c.OrgID == "" {
		return fmt.Errorf("organization id is required")
	}
	if c.RegistrationToken == "" {
		return fmt.Errorf("registration token is required")
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8791"
	}
	if c.AdvertiseURL == "" {
		c.AdvertiseURL = "http://" + c.Listen
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(c.DataDir, "workspaces")
	}

	for _, dir := range []string{c.DataDir, c.WorkspaceRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// StatePath returns the path to the state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// LoadState loads persisted credentials. Returns nil when no state
// file exists yet.
func (c *Config) LoadState() (*State, error) {
	data, err := os.ReadFile(c.StatePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveState persists credentials with owner-only permissions; the
// relay token is a secret.
func (c *Config) SaveState(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.StatePath(), data, 0o600)
}

// ClearState removes the persisted credentials.
func (c *Config) ClearState() error {
	err := os.Remove(c.StatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
