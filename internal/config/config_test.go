package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"CONFIG_FILE", "PORT", "LOG_LEVEL", "ALLOWED_ORIGINS", "SESSIONS_DIR", "DB_PATH",
	"SEND_RATE_PER_SEC", "BRIDGE_MODE", "BRIDGE_URL", "BRIDGE_IMAGE", "BRIDGE_NETWORK",
	"BRIDGE_SUBNET", "BRIDGE_PORT", "CONTAINER_RUNTIME", "CHROMIUM_PATH", "PUPPETEER_EXECUTABLE_PATH",
	"CHROMIUM_FLAGS", "RECONNECT_DELAY", "MEDIA_ITEM_GAP", "BROADCAST_TEXT_DELAY",
	"BROADCAST_MEDIA_DELAY", "MEDIA_FETCH_TIMEOUT", "MEDIA_MAX_BYTES", "HISTORY_RETENTION",
	"HISTORY_PRUNE_SCHEDULE",
}

// clearEnv unsets every config key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			t.Setenv(k, v) // registers restore
			require.NoError(t, os.Unsetenv(k))
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3010", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, BridgeStatic, cfg.Bridge.Mode)
	assert.Equal(t, "ws://127.0.0.1:3011/sessions/{id}", cfg.Bridge.URL)
	assert.Equal(t, 2*time.Second, cfg.Pacing.ReconnectDelay)
	assert.Equal(t, 350*time.Millisecond, cfg.Pacing.MediaItemGap)
	assert.Equal(t, 2*time.Second, cfg.Pacing.BroadcastTextDelay)
	assert.Equal(t, 2500*time.Millisecond, cfg.Pacing.BroadcastMediaDelay)
	assert.Equal(t, int64(25<<20), cfg.Media.MaxBytes)
	assert.Equal(t, "@hourly", cfg.History.PruneSchedule)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("BROADCAST_TEXT_DELAY", "500")
	t.Setenv("MEDIA_ITEM_GAP", "1s")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:5173, https://app.example.com")
	t.Setenv("PUPPETEER_EXECUTABLE_PATH", "/opt/chrome")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Pacing.BroadcastTextDelay)
	assert.Equal(t, time.Second, cfg.Pacing.MediaItemGap)
	assert.Equal(t, []string{"http://localhost:5173", "https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "/opt/chrome", cfg.Bridge.ChromiumPath)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FileOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 4000
bridge_mode: docker
bridge_image: bridge:dev
send_rate_per_sec: 2.5
allowed_origins:
  - https://a.example.com
  - https://b.example.com
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BRIDGE_IMAGE", "bridge:env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, BridgeDocker, cfg.Bridge.Mode)
	assert.Equal(t, "bridge:env", cfg.Bridge.Image, "environment wins over file")
	assert.InDelta(t, 2.5, cfg.SendRatePerSec, 1e-9)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:        "3010",
			LogLevel:    "info",
			SessionsDir: "s",
			DBPath:      "d",
			Bridge:      BridgeConfig{Mode: BridgeStatic, URL: "ws://x/{id}"},
			Media:       MediaConfig{FetchTimeout: time.Second, MaxBytes: 1},
			History:     HistoryConfig{Retention: time.Hour},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Port = "http" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"empty sessions dir", func(c *Config) { c.SessionsDir = "" }},
		{"unknown bridge mode", func(c *Config) { c.Bridge.Mode = "grpc" }},
		{"docker without image", func(c *Config) { c.Bridge = BridgeConfig{Mode: BridgeDocker, Network: "n", Port: 1} }},
		{"negative delay", func(c *Config) { c.Pacing.MediaItemGap = -time.Second }},
		{"negative rate", func(c *Config) { c.SendRatePerSec = -1 }},
		{"zero max bytes", func(c *Config) { c.Media.MaxBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
