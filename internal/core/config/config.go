// Package config loads the core server configuration: built-in defaults,
// then an optional YAML file, then AGENCY_* environment overrides
// (double underscore maps to a nesting level, AGENCY_REDIS__ADDR →
// redis.addr).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Config struct {
	Addr    string `koanf:"addr"`
	DataDir string `koanf:"data_dir"`

	// BaseURL is the externally reachable host[:port] used when handing
	// out relay WebSocket URLs. Empty falls back to the request's Host.
	BaseURL string `koanf:"base_url"`

	Log       LogConfig       `koanf:"log"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	Governor  GovernorConfig  `koanf:"governor"`
	Registry  RegistryConfig  `koanf:"registry"`
	Retention RetentionConfig `koanf:"retention"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type AuthConfig struct {
	// JWTSecret signs end-user access tokens. Left empty, a random
	// secret is generated at startup and tokens do not survive restarts.
	JWTSecret    string        `koanf:"jwt_secret"`
	SessionTTL   time.Duration `koanf:"session_ttl"`
	UserTokenTTL time.Duration `koanf:"user_token_ttl"`
}

type GovernorConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type RegistryConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	OfflineThreshold  time.Duration `koanf:"offline_threshold"`
}

type RetentionConfig struct {
	// EventTTLDays is how long system events stay queryable before the
	// archiver moves them to compressed files. 0 disables archiving.
	EventTTLDays  int           `koanf:"event_ttl_days"`
	SuggestionTTL time.Duration `koanf:"suggestion_ttl"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                        ":8443",
		"base_url":                    "",
		"data_dir":                    defaultDataDir(),
		"log.level":                   "info",
		"redis.addr":                  "127.0.0.1:6379",
		"redis.password":              "",
		"redis.db":                    0,
		"auth.jwt_secret":             "",
		"auth.session_ttl":            "24h",
		"auth.user_token_ttl":         "24h",
		"governor.interval":           "5m",
		"registry.heartbeat_interval": "30s",
		"registry.offline_threshold":  "90s",
		"retention.event_ttl_days":    90,
		"retention.suggestion_ttl":    "168h",
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips the file layer, a named file that is missing is an
// error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("AGENCY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "AGENCY_")), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values, applies floors, and ensures
// required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	// The governor never ticks faster than twice a minute.
	if c.Governor.Interval < 30*time.Second {
		c.Governor.Interval = 30 * time.Second
	}
	if c.Registry.HeartbeatInterval <= 0 {
		c.Registry.HeartbeatInterval = 30 * time.Second
	}
	if c.Registry.OfflineThreshold <= 0 {
		c.Registry.OfflineThreshold = 90 * time.Second
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}
	if c.Auth.UserTokenTTL <= 0 {
		c.Auth.UserTokenTTL = 24 * time.Hour
	}
	if c.Retention.SuggestionTTL <= 0 {
		c.Retention.SuggestionTTL = 168 * time.Hour
	}
	if c.Retention.EventTTLDays < 0 {
		return fmt.Errorf("retention.event_ttl_days must not be negative")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

// EnsureJWTSecret fills in a random secret when none is configured and
// reports whether it did. Callers should warn on a generated secret:
// end-user tokens become invalid on restart.
func (c *Config) EnsureJWTSecret() bool {
	if c.Auth.JWTSecret != "" {
		return false
	}
	secret, err := gonanoid.New(48)
	if err != nil {
		panic(fmt.Sprintf("generate jwt secret: %v", err))
	}
	c.Auth.JWTSecret = secret
	return true
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agency", "core")
	}
	return filepath.Join(home, ".config", "agency", "core")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "core.db")
}

// ArchiveDir returns the directory for event-log archive files.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}
