package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Port != 4242 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if !cfg.Pulse.Enabled || !cfg.Relay.Enabled || !cfg.Mesh.Enabled {
		t.Fatalf("features off by default: %+v", cfg.Features())
	}
	if cfg.Relay.DefaultMaxHops != 8 || cfg.Relay.DefaultTTLMs != 300_000 || cfg.Relay.DefaultCallBudget != 10 {
		t.Fatalf("relay defaults = %+v", cfg.Relay)
	}
	if cfg.Pulse.MaxConcurrentRuns != 8 || cfg.Pulse.RetentionCount != 50 {
		t.Fatalf("pulse defaults = %+v", cfg.Pulse)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Fatalf("host = %q", cfg.Gateway.Host)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 4242 {
		t.Fatalf("port = %d", cfg.Port)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// Comments and trailing commas are tolerated.
	body := `{
  // local overrides
  port: 9090,
  log_level: "debug",
  pulse: { enabled: false, },
  relay: { enabled: true, default_max_hops: 3 },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Pulse.Enabled {
		t.Fatal("pulse should be disabled")
	}
	if cfg.Relay.DefaultMaxHops != 3 {
		t.Fatalf("maxHops = %d", cfg.Relay.DefaultMaxHops)
	}
	// Untouched fields keep their defaults.
	if cfg.Relay.DefaultCallBudget != 10 {
		t.Fatalf("callBudget = %d", cfg.Relay.DefaultCallBudget)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{port:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DORKOS_PORT", "7171")
	t.Setenv("DORKOS_LOG_LEVEL", "warn")
	t.Setenv("DORKOS_BOUNDARY", "/srv/agents")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 9090, "log_level": "debug"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env beats file.
	if cfg.Port != 7171 || cfg.LogLevel != "warn" || cfg.Boundary != "/srv/agents" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestPatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()

	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	err := cfg.Patch(path, map[string]json.RawMessage{
		"log_level": raw("debug"),
		"pulse":     raw(PulseConfig{Enabled: false}),
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Pulse.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}

	// The patch persists and reloads.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LogLevel != "debug" || reloaded.Pulse.Enabled {
		t.Fatalf("reloaded = %+v", reloaded)
	}

	for _, field := range []string{"port", "boundary", "data_dir", "bogus"} {
		err := cfg.Patch(path, map[string]json.RawMessage{field: raw("x")})
		if err == nil {
			t.Fatalf("patch of %q accepted", field)
		}
	}
}

func TestSnapshotRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Tunnel = json.RawMessage(`{"provider":"cloudflare"}`)

	data, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("snapshot not valid json: %v", err)
	}
	if string(decoded["tunnel"]) != `{"provider":"cloudflare"}` {
		t.Fatalf("tunnel = %s", decoded["tunnel"])
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"fatal", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tt := range tests {
		c := &Config{LogLevel: tt.in}
		if got := c.SlogLevel(); got != tt.want {
			t.Fatalf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
