package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"
)

const (
	envPrefix       = "IMBRIDGE_"
	defaultCacheTTL = 30 * time.Second
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          18791,
			RateLimitRPM:  0,
			MaxConcurrent: 64,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/Library/Messages/chat.db",
		},
		Cache: CacheConfig{
			TTL:               "30s",
			IngestConcurrency: 8,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "imbridge",
		},
		Relay: RelayConfig{
			Exchange: "imbridge.events",
		},
		Flags: map[string]bool{},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Debug("config.file_missing", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverlay holds env-only settings that do not map onto file fields.
type envOverlay struct {
	Enable  []string `env:"ENABLE"  envSeparator:","`
	Disable []string `env:"DISABLE" envSeparator:","`
}

// applyEnvOverrides overlays IMBRIDGE_* env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() error {
	opts := env.Options{Prefix: envPrefix}
	if err := env.ParseWithOptions(&c.Gateway, opts); err != nil {
		return fmt.Errorf("env gateway: %w", err)
	}
	if err := env.ParseWithOptions(&c.Store, opts); err != nil {
		return fmt.Errorf("env store: %w", err)
	}
	if err := env.ParseWithOptions(&c.Cache, opts); err != nil {
		return fmt.Errorf("env cache: %w", err)
	}
	if err := env.ParseWithOptions(&c.Telemetry, opts); err != nil {
		return fmt.Errorf("env telemetry: %w", err)
	}
	if err := env.ParseWithOptions(&c.Relay, opts); err != nil {
		return fmt.Errorf("env relay: %w", err)
	}

	var overlay envOverlay
	if err := env.ParseWithOptions(&overlay, opts); err != nil {
		return fmt.Errorf("env flags: %w", err)
	}
	for _, name := range c.ApplyFlagOverrides(overlay.Enable, true) {
		slog.Warn("config.unknown_flag", "flag", name, "source", envPrefix+"ENABLE")
	}
	for _, name := range c.ApplyFlagOverrides(overlay.Disable, false) {
		slog.Warn("config.unknown_flag", "flag", name, "source", envPrefix+"DISABLE")
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "", "sqlite":
		c.Store.Driver = "sqlite"
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: %sPOSTGRES_DSN is required for the postgres driver", envPrefix)
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch strings.ToLower(c.Telemetry.Protocol) {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("config: unknown telemetry.protocol %q", c.Telemetry.Protocol)
	}

	if c.Relay.URL != "" && c.Relay.Exchange == "" {
		return fmt.Errorf("config: relay.exchange is required when %sRELAY_URL is set", envPrefix)
	}

	for name := range c.Flags {
		if !IsKnownFlag(name) {
			slog.Warn("config.unknown_flag", "flag", name, "source", "file")
		}
	}
	return nil
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StorePath returns the expanded sqlite database path.
func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.Path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
