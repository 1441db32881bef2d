package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:     4242,
		Boundary: home,
		LogLevel: "info",
		DataDir:  filepath.Join(home, ".dork"),
		Pulse: PulseConfig{
			Enabled:           true,
			MaxConcurrentRuns: 8,
			RetentionCount:    50,
		},
		Relay: RelayConfig{
			Enabled:           true,
			DefaultMaxHops:    8,
			DefaultTTLMs:      300_000,
			DefaultCallBudget: 10,
			SubscriberQueue:   1024,
			EnqueueDeadlineMs: 50,
			AgentMaxConc:      4,
			TraceFlushMs:      100,
		},
		Mesh: MeshConfig{
			Enabled:  true,
			MaxDepth: 3,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("DORKOS_BOUNDARY", &c.Boundary)
	envStr("DORKOS_DEFAULT_CWD", &c.DefaultCwd)
	envStr("DORKOS_LOG_LEVEL", &c.LogLevel)
	envStr("DORKOS_DATA_DIR", &c.DataDir)
	if v := os.Getenv("DORKOS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
}

// Patch applies a partial update and rewrites the config file at path.
// Only the mutable surface is accepted; unknown fields are rejected upstream
// by schema validation in the gateway.
func (c *Config) Patch(path string, patch map[string]json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	apply := func(raw json.RawMessage, dst any) error {
		return json.Unmarshal(raw, dst)
	}
	for key, raw := range patch {
		var err error
		switch key {
		case "log_level":
			err = apply(raw, &c.LogLevel)
		case "default_cwd":
			err = apply(raw, &c.DefaultCwd)
		case "pulse":
			err = apply(raw, &c.Pulse)
		case "relay":
			err = apply(raw, &c.Relay)
		case "mesh":
			err = apply(raw, &c.Mesh)
		case "gateway":
			err = apply(raw, &c.Gateway)
		case "tunnel":
			c.Tunnel = raw
		default:
			return fmt.Errorf("field %q is not patchable", key)
		}
		if err != nil {
			return fmt.Errorf("patch %s: %w", key, err)
		}
	}

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Snapshot renders the current config as JSON under the read lock.
func (c *Config) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
