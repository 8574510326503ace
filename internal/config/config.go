// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bridge modes.
const (
	BridgeStatic = "static"
	BridgeDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	LogLevel       string
	AllowedOrigins []string
	SessionsDir    string
	DBPath         string
	SendRatePerSec float64
	Bridge         BridgeConfig
	Pacing         PacingConfig
	Media          MediaConfig
	History        HistoryConfig
}

// BridgeConfig selects and configures the automation bridge.
type BridgeConfig struct {
	Mode          string
	URL           string // static mode; {id} is replaced by the session id
	Image         string
	Network       string
	Subnet        string
	Port          int
	Runtime       string // Docker runtime: "" = default (runc), "runsc" = gVisor
	ChromiumPath  string
	ChromiumFlags string
}

// PacingConfig holds the timing constants of the lifecycle and dispatch layers.
type PacingConfig struct {
	ReconnectDelay      time.Duration
	MediaItemGap        time.Duration
	BroadcastTextDelay  time.Duration
	BroadcastMediaDelay time.Duration
}

// MediaConfig bounds remote media fetches.
type MediaConfig struct {
	FetchTimeout time.Duration
	MaxBytes     int64
}

// HistoryConfig controls broadcast history retention.
type HistoryConfig struct {
	Retention     time.Duration
	PruneSchedule string
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

// Load reads configuration from an optional YAML file named by CONFIG_FILE
// and from environment variables, which take precedence.
func Load() (*Config, error) {
	src := source{}
	if path, ok := os.LookupEnv("CONFIG_FILE"); ok && path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		Port:           src.get("PORT", "3010"),
		LogLevel:       src.get("LOG_LEVEL", "info"),
		AllowedOrigins: splitList(src.get("ALLOWED_ORIGINS", "*")),
		SessionsDir:    src.get("SESSIONS_DIR", "./data/sessions"),
		DBPath:         src.get("DB_PATH", "./data/relay.db"),
		SendRatePerSec: src.getFloat("SEND_RATE_PER_SEC", 0),
		Bridge: BridgeConfig{
			Mode:          strings.ToLower(src.get("BRIDGE_MODE", BridgeStatic)),
			URL:           src.get("BRIDGE_URL", "ws://127.0.0.1:3011/sessions/{id}"),
			Image:         src.get("BRIDGE_IMAGE", "relay-bridge:latest"),
			Network:       src.get("BRIDGE_NETWORK", "relay-bridge"),
			Subnet:        src.get("BRIDGE_SUBNET", ""),
			Port:          src.getInt("BRIDGE_PORT", 3011),
			Runtime:       src.get("CONTAINER_RUNTIME", ""),
			ChromiumPath:  src.get("CHROMIUM_PATH", src.get("PUPPETEER_EXECUTABLE_PATH", "/usr/bin/chromium")),
			ChromiumFlags: src.get("CHROMIUM_FLAGS", ""),
		},
		Pacing: PacingConfig{
			ReconnectDelay:      src.getDuration("RECONNECT_DELAY", 2*time.Second),
			MediaItemGap:        src.getDuration("MEDIA_ITEM_GAP", 350*time.Millisecond),
			BroadcastTextDelay:  src.getDuration("BROADCAST_TEXT_DELAY", 2000*time.Millisecond),
			BroadcastMediaDelay: src.getDuration("BROADCAST_MEDIA_DELAY", 2500*time.Millisecond),
		},
		Media: MediaConfig{
			FetchTimeout: src.getDuration("MEDIA_FETCH_TIMEOUT", 60*time.Second),
			MaxBytes:     int64(src.getInt("MEDIA_MAX_BYTES", 25<<20)),
		},
		History: HistoryConfig{
			Retention:     src.getDuration("HISTORY_RETENTION", 7*24*time.Hour),
			PruneSchedule: src.get("HISTORY_PRUNE_SCHEDULE", "@hourly"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %q", c.Port)
	}
	if _, err := c.SlogLevel(); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("SESSIONS_DIR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SendRatePerSec < 0 {
		return fmt.Errorf("SEND_RATE_PER_SEC must be >= 0")
	}

	switch c.Bridge.Mode {
	case BridgeStatic:
		if c.Bridge.URL == "" {
			return fmt.Errorf("BRIDGE_URL cannot be empty in static mode")
		}
	case BridgeDocker:
		if c.Bridge.Image == "" {
			return fmt.Errorf("BRIDGE_IMAGE cannot be empty in docker mode")
		}
		if c.Bridge.Network == "" {
			return fmt.Errorf("BRIDGE_NETWORK cannot be empty in docker mode")
		}
		if c.Bridge.Port <= 0 {
			return fmt.Errorf("BRIDGE_PORT must be > 0")
		}
	default:
		return fmt.Errorf("BRIDGE_MODE must be %q or %q, got %q", BridgeStatic, BridgeDocker, c.Bridge.Mode)
	}

	if c.Pacing.ReconnectDelay < 0 || c.Pacing.MediaItemGap < 0 ||
		c.Pacing.BroadcastTextDelay < 0 || c.Pacing.BroadcastMediaDelay < 0 {
		return fmt.Errorf("pacing delays must be >= 0")
	}
	if c.Media.FetchTimeout <= 0 {
		return fmt.Errorf("MEDIA_FETCH_TIMEOUT must be > 0")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("MEDIA_MAX_BYTES must be > 0")
	}
	if c.History.Retention <= 0 {
		return fmt.Errorf("HISTORY_RETENTION must be > 0")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// IsDevelopment returns true if the allowed origins point at a local frontend.
func (c *Config) IsDevelopment() bool {
	for _, o := range c.AllowedOrigins {
		if strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1") {
			return true
		}
	}
	return false
}

// readFile loads a flat YAML mapping. Keys are matched case-insensitively
// against the environment variable names.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func (s source) get(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	if value, ok := s.file[key]; ok {
		return value
	}
	return fallback
}

func (s source) getInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s.get(key, strconv.Itoa(fallback))))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(s.get(key, ""))
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getDuration accepts Go durations ("2s", "350ms") or bare milliseconds.
func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(s.get(key, ""))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
