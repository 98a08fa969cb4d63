package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"), testLogger())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Leaderboard.SnapshotInterval != 500*time.Millisecond {
		t.Errorf("snapshot_interval = %v", cfg.Leaderboard.SnapshotInterval)
	}
	if cfg.Feeds.ReconnectDelay != 3*time.Second {
		t.Errorf("reconnect_delay = %v", cfg.Feeds.ReconnectDelay)
	}
	if cfg.Feeds.MaxReconnects != 0 {
		t.Errorf("max_reconnects = %d, want 0 (unlimited)", cfg.Feeds.MaxReconnects)
	}
	if cfg.RoundAPI.AuthType != "none" {
		t.Errorf("auth_type = %q", cfg.RoundAPI.AuthType)
	}
	if cfg.Redis.TTL != 2*time.Minute {
		t.Errorf("redis.ttl = %v", cfg.Redis.TTL)
	}
	if cfg.GCP.SecretNames.RedisPassword == "" {
		t.Error("default secret names not applied")
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
feeds:
  reconnect_delay: 750ms
  max_reconnects: 4
  crypto:
    url: wss://crypto.example/ws
    subscribe: '{"op":"sub"}'
  mcx:
    url: wss://mcx.example/ws
leaderboard:
  snapshot_interval: 1s
`)
	t.Setenv("FEED_MCX_URL", "wss://mcx-override.example/ws")
	t.Setenv("FEED_COMEX_URL", "wss://comex.example/ws")
	t.Setenv("ROUND_API_BASE_URL", "https://rounds.example/api")

	cfg, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Feeds.ReconnectDelay != 750*time.Millisecond || cfg.Feeds.MaxReconnects != 4 {
		t.Errorf("feeds = %+v", cfg.Feeds)
	}
	if cfg.Leaderboard.SnapshotInterval != time.Second {
		t.Errorf("snapshot_interval = %v", cfg.Leaderboard.SnapshotInterval)
	}
	if cfg.RoundAPI.BaseURL != "https://rounds.example/api" {
		t.Errorf("base_url = %q", cfg.RoundAPI.BaseURL)
	}

	pool := cfg.Feeds.PoolConfig()
	want := map[models.MarketType]string{
		models.MarketTypeCrypto: "wss://crypto.example/ws",
		models.MarketTypeMCX:    "wss://mcx-override.example/ws",
		models.MarketTypeCOMEX:  "wss://comex.example/ws",
	}
	if len(pool.URLs) != len(want) {
		t.Errorf("pool urls = %v", pool.URLs)
	}
	for m, u := range want {
		if pool.URLs[m] != u {
			t.Errorf("url[%s] = %q, want %q", m, pool.URLs[m], u)
		}
	}
	if pool.Subscribe[models.MarketTypeCrypto] != `{"op":"sub"}` {
		t.Errorf("subscribe = %q", pool.Subscribe[models.MarketTypeCrypto])
	}
	if pool.ReconnectDelay != 750*time.Millisecond || pool.MaxReconnects != 4 {
		t.Errorf("pool = %+v", pool)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed"), testLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:      ServerConfig{Port: 8080},
			RoundAPI:    RoundAPIConfig{AuthType: "none"},
			Feeds:       FeedsConfig{ReconnectDelay: time.Second},
			Leaderboard: LeaderboardConfig{SnapshotInterval: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"jwt without key", func(c *Config) { c.RoundAPI.AuthType = "jwt" }, "requires api_key_name"},
		{"unknown auth", func(c *Config) { c.RoundAPI.AuthType = "hmac" }, "auth_type"},
		{"zero interval", func(c *Config) { c.Leaderboard.SnapshotInterval = 0 }, "snapshot_interval"},
		{"negative reconnects", func(c *Config) { c.Feeds.MaxReconnects = -1 }, "max_reconnects"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
