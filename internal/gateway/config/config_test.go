package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		CoreURL:           "http://localhost:8780",
		DataDir:           t.TempDir(),
		Name:              "dev-laptop",
		OrgID:             "ORG1",
		RegistrationToken: "reg-token",
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8791", cfg.Listen)
	assert.Equal(t, "http://127.0.0.1:8791", cfg.AdvertiseURL)
	assert.Equal(t, filepath.Join(cfg.DataDir, "workspaces"), cfg.WorkspaceRoot)
	assert.DirExists(t, cfg.WorkspaceRoot)
}

func TestValidate_RequiredFields(t *testing.T) {
	cases := map[string]func(*Config){
		"core url":           func(c *Config) { c.CoreURL = "" },
		"name":               func(c *Config) { c.Name = "" },
		"org id":             func(c *Config) { c.OrgID = "" },
		"registration token": func(c *Config) { c.RegistrationToken = "" },
	}
	for name, clear := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			clear(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestState_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	// No state file yet.
	s, err := cfg.LoadState()
	require.NoError(t, err)
	assert.Nil(t, s)

	saved := &State{
		GatewayID:                "G1",
		RelayToken:               "rt-secret",
		RelayWSURL:               "ws://core/ws/gateway/G1/relay",
		HeartbeatIntervalSeconds: 30,
	}
	require.NoError(t, cfg.SaveState(saved))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(cfg.StatePath())
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "state file holds a secret")
	}

	loaded, err := cfg.LoadState()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)

	require.NoError(t, cfg.ClearState())
	s, err = cfg.LoadState()
	require.NoError(t, err)
	assert.Nil(t, s)

	// Clearing twice is fine.
	require.NoError(t, cfg.ClearState())
}
