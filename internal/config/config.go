package config

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Config is the root configuration for the DorkOS server.
type Config struct {
	Port       int    `json:"port"`
	Boundary   string `json:"boundary"`              // filesystem safety root; all directory ops resolve inside
	DefaultCwd string `json:"default_cwd,omitempty"` // default working directory for sessions
	LogLevel   string `json:"log_level,omitempty"`   // fatal|error|warn|info|debug|trace
	DataDir    string `json:"data_dir,omitempty"`    // embedded DB location (default ~/.dork)

	Pulse   PulseConfig   `json:"pulse,omitempty"`
	Relay   RelayConfig   `json:"relay,omitempty"`
	Mesh    MeshConfig    `json:"mesh,omitempty"`
	Gateway GatewayConfig `json:"gateway,omitempty"`

	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// Tunnel is reserved for the external tunnel helper; the core carries it
	// through config round-trips without consuming it.
	Tunnel json.RawMessage `json:"tunnel,omitempty"`

	mu sync.RWMutex
}

// PulseConfig configures the cron scheduler.
type PulseConfig struct {
	Enabled           bool   `json:"enabled"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs,omitempty"` // fleet-wide cap (default 8)
	RetentionCount    int    `json:"retention_count,omitempty"`     // runs kept per schedule (default 50)
	Timezone          string `json:"timezone,omitempty"`            // default TZ for cron evaluation
}

// RelayConfig configures the message bus.
type RelayConfig struct {
	Enabled           bool  `json:"enabled"`
	DefaultMaxHops    int   `json:"default_max_hops,omitempty"`     // default 8
	DefaultTTLMs      int64 `json:"default_ttl_ms,omitempty"`       // default 300000
	DefaultCallBudget int   `json:"default_call_budget,omitempty"`  // default 10
	SubscriberQueue   int   `json:"subscriber_queue,omitempty"`     // per-subscription queue depth (default 1024)
	EnqueueDeadlineMs int64 `json:"enqueue_deadline_ms,omitempty"`  // per-subscription drop deadline (default 50)
	AgentMaxConc      int   `json:"agent_max_concurrent,omitempty"` // built-in agent adapter cap (default 4)
	TraceFlushMs      int64 `json:"trace_flush_ms,omitempty"`       // trace update batch flush (default 100)
}

// MeshConfig configures the agent registry.
type MeshConfig struct {
	Enabled   bool     `json:"enabled"`
	ScanRoots []string `json:"scan_roots,omitempty"`
	MaxDepth  int      `json:"max_depth,omitempty"` // discovery walk depth (default 3)
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Host         string `json:"host,omitempty"`
	RateLimitRPS int    `json:"rate_limit_rps,omitempty"` // 0 = disabled
}

// TelemetryConfig configures OTLP export of relay delivery spans.
// When enabled, spans are exported to an OTLP/HTTP backend in addition to
// the embedded trace store.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4318"
	Insecure    bool              `json:"insecure,omitempty"`     // plain HTTP (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "dorkos"
	Headers     map[string]string `json:"headers,omitempty"`
}

// Features is the flag record consumed by the gateway. Subsystems never read
// env vars directly; the loader derives this once.
type Features struct {
	Pulse bool `json:"pulse"`
	Relay bool `json:"relay"`
	Mesh  bool `json:"mesh"`
}

// Features returns the feature flag record for this config.
func (c *Config) Features() Features {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Features{Pulse: c.Pulse.Enabled, Relay: c.Relay.Enabled, Mesh: c.Mesh.Enabled}
}

// SlogLevel maps the configured log level onto slog's scale.
// "trace" has no slog equivalent and maps to debug; "fatal" to error.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
