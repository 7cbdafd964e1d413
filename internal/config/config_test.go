package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %s", cfg.Server.HTTPAddr)
	}
	if cfg.WebSocket.Path != "/ws" {
		t.Errorf("WebSocket.Path = %s", cfg.WebSocket.Path)
	}
	if cfg.Server.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %v", cfg.Server.HeartbeatTimeout)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %s", cfg.Database.Driver)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: 7
  heartbeat_timeout: 45s
database:
  driver: memory
nats:
  enabled: true
  url: nats://nats:4222
`)
	t.Setenv("CHAT_REDIS_ADDR", "redis:6380")
	t.Setenv("CHAT_NATS_URL", "nats://override:4222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.NodeID != 7 {
		t.Errorf("NodeID = %d", cfg.Server.NodeID)
	}
	if cfg.Server.HeartbeatTimeout != 45*time.Second {
		t.Errorf("HeartbeatTimeout = %v", cfg.Server.HeartbeatTimeout)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Driver = %s", cfg.Database.Driver)
	}
	if !cfg.NATS.Enabled {
		t.Error("NATS should be enabled")
	}
	if cfg.NATS.URL != "nats://override:4222" {
		t.Errorf("NATS.URL = %s, env should win", cfg.NATS.URL)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Errorf("Redis.Addr = %s", cfg.Redis.Addr)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %s", cfg.Metrics.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Database.DSN = "" }, wantErr: true},
		{name: "auth without secret", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: true},
		{name: "auth with secret", mutate: func(c *Config) { c.Auth.Enabled = true; c.Auth.TokenSecret = "s" }},
		{name: "node id too large", mutate: func(c *Config) { c.Server.NodeID = 4096 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Database: DatabaseConfig{Driver: "postgres", DSN: "postgres://localhost/chat"},
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
