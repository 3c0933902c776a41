package config

import (
	"fmt"
	"sync"
	"time"
)

// Config is the root configuration for the imbridge process.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Cache     CacheConfig     `json:"cache"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Flags     map[string]bool `json:"flags,omitempty"` // feature flags, see flags.go
	mu        sync.RWMutex
}

// GatewayConfig configures the WebSocket command gateway.
type GatewayConfig struct {
	Host           string   `json:"host"                      env:"HOST"`
	Port           int      `json:"port"                      env:"PORT"`
	Token          string   `json:"token,omitempty"           env:"GATEWAY_TOKEN"`                       // shared secret checked by the connect command
	AllowedOrigins []string `json:"allowed_origins,omitempty" env:"ALLOWED_ORIGINS" envSeparator:","`    // WebSocket CORS whitelist (empty = allow all)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"  env:"RATE_LIMIT_RPM"`                      // commands per minute per client (0 = disabled)
	MaxConcurrent  int      `json:"max_concurrent,omitempty"  env:"MAX_CONCURRENT"`                      // commands executing at once across all clients (default 64)
}

// StoreConfig selects the native message store.
// PostgresDSN is NEVER read from the config file (secret), only from env IMBRIDGE_POSTGRES_DSN.
type StoreConfig struct {
	Driver       string `json:"driver,omitempty"        env:"STORE_DRIVER"` // "sqlite" (default) or "postgres"
	Path         string `json:"path,omitempty"          env:"STORE_PATH"`   // sqlite database file
	PostgresDSN  string `json:"-"                       env:"POSTGRES_DSN"`
	CreateSchema bool   `json:"create_schema,omitempty" env:"STORE_CREATE_SCHEMA"` // sqlite: create tables when missing
	Watch        bool   `json:"watch,omitempty"         env:"STORE_WATCH"`         // sqlite: publish events when the database changes
}

// CacheConfig tunes the item load cache. Durations are Go duration strings.
type CacheConfig struct {
	TTL               string `json:"ttl,omitempty"                env:"CACHE_TTL"`            // retention of loaded items (default "30s", "0s" = in-flight sharing only)
	SweepInterval     string `json:"sweep_interval,omitempty"     env:"CACHE_SWEEP_INTERVAL"` // eviction period (default: TTL)
	IngestConcurrency int    `json:"ingest_concurrency,omitempty" env:"INGEST_CONCURRENCY"`   // chats ingested at once per load (default 8)
}

// TelemetryConfig configures OpenTelemetry export for command spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"      env:"TELEMETRY_ENABLED"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"     env:"TELEMETRY_ENDPOINT"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"     env:"TELEMETRY_PROTOCOL"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"     env:"TELEMETRY_INSECURE"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty" env:"TELEMETRY_SERVICE_NAME"` // OTEL service name (default "imbridge")
	Headers     map[string]string `json:"headers,omitempty"`                                   // extra headers (e.g. auth tokens for cloud backends)
}

// RelayConfig forwards bridge events to an AMQP topic exchange.
// URL is NEVER read from the config file (secret), only from env IMBRIDGE_RELAY_URL.
type RelayConfig struct {
	URL      string `json:"-"                  env:"RELAY_URL"`
	Exchange string `json:"exchange,omitempty" env:"RELAY_EXCHANGE"` // topic exchange (default "imbridge.events")
}

// CacheTTL parses Cache.TTL, falling back to the default on bad input.
func (c *Config) CacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Cache.TTL, defaultCacheTTL)
}

// CacheSweepInterval parses Cache.SweepInterval (default: the TTL).
func (c *Config) CacheSweepInterval() time.Duration {
	ttl := c.CacheTTL()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.Cache.SweepInterval, ttl)
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Store = src.Store
	c.Cache = src.Cache
	c.Telemetry = src.Telemetry
	c.Relay = src.Relay
	c.Flags = make(map[string]bool, len(src.Flags))
	for k, v := range src.Flags {
		c.Flags[k] = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
