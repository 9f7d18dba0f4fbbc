package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: test-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Fatalf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Fatalf("Server.Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Collab.SendBuffer != 256 {
		t.Fatalf("Collab.SendBuffer = %d, want 256", cfg.Collab.SendBuffer)
	}
	if cfg.Collab.PongWait != 45*time.Second {
		t.Fatalf("Collab.PongWait = %v", cfg.Collab.PongWait)
	}
	if cfg.Collab.RateLimit.Enabled {
		t.Fatal("rate limiting should be disabled by default")
	}
	if cfg.Relay.Enabled() {
		t.Fatal("relay should be disabled without redis_url")
	}
	if cfg.Relay.ChannelPrefix != "coedit:doc" {
		t.Fatalf("Relay.ChannelPrefix = %q", cfg.Relay.ChannelPrefix)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Fatalf("Logging = %+v", cfg.Logging)
	}
	if cfg.Tracing.ServiceName != "coedit" {
		t.Fatalf("Tracing.ServiceName = %q", cfg.Tracing.ServiceName)
	}
}

func TestLoadParsesDurationsAndRateLimit(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
auth:
  jwt_secret: s
  token_expiry: 2h
collab:
  ping_interval: 5s
  pong_wait: 20s
  rate_limit:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.TokenExpiry != 2*time.Hour {
		t.Fatalf("TokenExpiry = %v", cfg.Auth.TokenExpiry)
	}
	if cfg.Collab.PingInterval != 5*time.Second {
		t.Fatalf("PingInterval = %v", cfg.Collab.PingInterval)
	}
	if cfg.Collab.RateLimit.RequestsPerSecond <= 0 || cfg.Collab.RateLimit.BurstSize <= 0 {
		t.Fatalf("rate limit defaults not applied: %+v", cfg.Collab.RateLimit)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("COEDIT_TEST_SECRET", "from-env")
	path := writeConfig(t, `
auth:
  jwt_secret: ${COEDIT_TEST_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s
collab:
  send_bufer: 10
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "send_bufer") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing credentials",
			body:    "server:\n  port: 8080\n",
			wantErr: "jwt_secret or at least one api_keys",
		},
		{
			name:    "pong before ping",
			body:    "auth:\n  jwt_secret: s\ncollab:\n  ping_interval: 30s\n  pong_wait: 10s\n",
			wantErr: "pong_wait",
		},
		{
			name:    "bad log format",
			body:    "auth:\n  jwt_secret: s\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "empty api key",
			body:    "auth:\n  api_keys:\n    - user_id: u1\n",
			wantErr: "api_keys[0].key",
		},
		{
			name:    "future version",
			body:    "version: 99\nauth:\n  jwt_secret: s\n",
			wantErr: "newer than this build",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("auth:\n  jwt_secret: base\nserver:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	main := filepath.Join(dir, "coedit.yaml")
	if err := os.WriteFile(main, []byte("$include: base.yaml\nserver:\n  host: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:7000" {
		t.Fatalf("Server.Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Auth.JWTSecret != "base" {
		t.Fatalf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadRaw(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coedit.json5")
	body := `{
  // comments are allowed
  auth: { jwt_secret: "j5" },
  relay: { redis_url: "redis://localhost:6379/0", node_id: "node-a" },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Relay.Enabled() || cfg.Relay.NodeID != "node-a" {
		t.Fatalf("Relay = %+v", cfg.Relay)
	}
}

func TestMergeMapsDeep(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": 1}
	src := map[string]any{"a": map[string]any{"y": 3}, "c": 4}
	got := mergeMaps(dst, src)
	inner := got["a"].(map[string]any)
	if inner["x"] != 1 || inner["y"] != 3 || got["b"] != 1 || got["c"] != 4 {
		t.Fatalf("mergeMaps() = %#v", got)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coedit.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
