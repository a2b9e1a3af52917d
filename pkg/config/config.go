// Package config loads engine and host settings from an optional YAML file
// followed by ZENLIVE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Backend string

const (
	BackendGemini    Backend = "gemini"
	BackendWebsocket Backend = "websocket"
)

type Config struct {
	Backend  Backend `yaml:"backend"`
	Model    string  `yaml:"model"`
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	Voice    string  `yaml:"voice"`

	UserID         string `yaml:"user_id"`
	ConversationID string `yaml:"conversation_id"`

	// Audio
	CaptureSampleRate  int `yaml:"capture_sample_rate"`
	PlaybackSampleRate int `yaml:"playback_sample_rate"`
	FrameSamples       int `yaml:"frame_samples"`

	// Session transport
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	KeepaliveQuiet     time.Duration `yaml:"keepalive_quiet"`
	ReconnectBase      time.Duration `yaml:"reconnect_base"`
	ReconnectCap       time.Duration `yaml:"reconnect_cap"`
	MaxRetries         int           `yaml:"max_retries"`
	ResumptionValidity time.Duration `yaml:"resumption_validity"`
	HistoryTurns       int           `yaml:"history_turns"`
	RefreshEveryTurns  int           `yaml:"refresh_every_turns"`
	RefreshEvery       time.Duration `yaml:"refresh_every"`

	// Voice commands
	SelectionTimeout time.Duration `yaml:"selection_timeout"`
	ReadinessWindow  time.Duration `yaml:"readiness_window"`

	// Engine loop
	PersistDebounce time.Duration `yaml:"persist_debounce"`
	TickInterval    time.Duration `yaml:"tick_interval"`

	Recovery Recovery `yaml:"recovery"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
}

type Recovery struct {
	Backend     string `yaml:"backend"`
	Fallback    string `yaml:"fallback"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisURL    string `yaml:"redis_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:            BackendGemini,
		Model:              "gemini-2.0-flash-live-001",
		Voice:              "Aoede",
		CaptureSampleRate:  16000,
		PlaybackSampleRate: 24000,
		FrameSamples:       4096,
		HandshakeTimeout:   15 * time.Second,
		KeepaliveInterval:  25 * time.Second,
		KeepaliveQuiet:     20 * time.Second,
		ReconnectBase:      time.Second,
		ReconnectCap:       5 * time.Second,
		MaxRetries:         3,
		ResumptionValidity: time.Hour,
		HistoryTurns:       20,
		RefreshEveryTurns:  12,
		RefreshEvery:       10 * time.Minute,
		SelectionTimeout:   30 * time.Second,
		ReadinessWindow:    60 * time.Second,
		PersistDebounce:    2 * time.Second,
		TickInterval:       time.Second,
		Recovery:           Recovery{Backend: "memory"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ZENLIVE_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Backend = Backend(envOr("ZENLIVE_BACKEND", string(c.Backend)))
	c.Model = envOr("ZENLIVE_MODEL", c.Model)
	c.Endpoint = envOr("ZENLIVE_ENDPOINT", c.Endpoint)
	c.APIKey = envOr("ZENLIVE_API_KEY", envOr("GEMINI_API_KEY", c.APIKey))
	c.Voice = envOr("ZENLIVE_VOICE", c.Voice)
	c.UserID = envOr("ZENLIVE_USER_ID", c.UserID)
	c.ConversationID = envOr("ZENLIVE_CONVERSATION_ID", c.ConversationID)

	c.CaptureSampleRate = envIntOr("ZENLIVE_CAPTURE_SAMPLE_RATE", c.CaptureSampleRate)
	c.PlaybackSampleRate = envIntOr("ZENLIVE_PLAYBACK_SAMPLE_RATE", c.PlaybackSampleRate)
	c.FrameSamples = envIntOr("ZENLIVE_FRAME_SAMPLES", c.FrameSamples)

	c.HandshakeTimeout = envDurationOr("ZENLIVE_HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.KeepaliveInterval = envDurationOr("ZENLIVE_KEEPALIVE_INTERVAL", c.KeepaliveInterval)
	c.KeepaliveQuiet = envDurationOr("ZENLIVE_KEEPALIVE_QUIET", c.KeepaliveQuiet)
	c.ReconnectBase = envDurationOr("ZENLIVE_RECONNECT_BASE", c.ReconnectBase)
	c.ReconnectCap = envDurationOr("ZENLIVE_RECONNECT_CAP", c.ReconnectCap)
	c.MaxRetries = envIntOr("ZENLIVE_MAX_RETRIES", c.MaxRetries)
	c.ResumptionValidity = envDurationOr("ZENLIVE_RESUMPTION_VALIDITY", c.ResumptionValidity)
	c.HistoryTurns = envIntOr("ZENLIVE_HISTORY_TURNS", c.HistoryTurns)
	c.RefreshEveryTurns = envIntOr("ZENLIVE_REFRESH_EVERY_TURNS", c.RefreshEveryTurns)
	c.RefreshEvery = envDurationOr("ZENLIVE_REFRESH_EVERY", c.RefreshEvery)

	c.SelectionTimeout = envDurationOr("ZENLIVE_SELECTION_TIMEOUT", c.SelectionTimeout)
	c.ReadinessWindow = envDurationOr("ZENLIVE_READINESS_WINDOW", c.ReadinessWindow)
	c.PersistDebounce = envDurationOr("ZENLIVE_PERSIST_DEBOUNCE", c.PersistDebounce)
	c.TickInterval = envDurationOr("ZENLIVE_TICK_INTERVAL", c.TickInterval)

	c.Recovery.Backend = envOr("ZENLIVE_RECOVERY_BACKEND", c.Recovery.Backend)
	c.Recovery.Fallback = envOr("ZENLIVE_RECOVERY_FALLBACK", c.Recovery.Fallback)
	c.Recovery.SQLitePath = envOr("ZENLIVE_SQLITE_PATH", c.Recovery.SQLitePath)
	c.Recovery.PostgresDSN = envOr("ZENLIVE_POSTGRES_DSN", c.Recovery.PostgresDSN)
	c.Recovery.RedisAddr = envOr("ZENLIVE_REDIS_ADDR", c.Recovery.RedisAddr)
	c.Recovery.RedisURL = envOr("ZENLIVE_REDIS_URL", c.Recovery.RedisURL)

	c.MetricsAddr = envOr("ZENLIVE_METRICS_ADDR", c.MetricsAddr)
}

// Validate checks ranges and cross-field requirements. The API key is not
// checked here because offline commands do not need one.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendGemini:
	case BackendWebsocket:
		if strings.TrimSpace(c.Endpoint) == "" {
			return fmt.Errorf("endpoint must be set when backend=websocket")
		}
	default:
		return fmt.Errorf("backend must be one of gemini|websocket")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model must not be empty")
	}

	positiveInts := []struct {
		name string
		v    int
	}{
		{"capture_sample_rate", c.CaptureSampleRate},
		{"playback_sample_rate", c.PlaybackSampleRate},
		{"frame_samples", c.FrameSamples},
		{"max_retries", c.MaxRetries},
		{"history_turns", c.HistoryTurns},
	}
	for _, f := range positiveInts {
		if f.v <= 0 {
			return fmt.Errorf("%s must be > 0", f.name)
		}
	}
	if c.RefreshEveryTurns < 0 {
		return fmt.Errorf("refresh_every_turns must be >= 0")
	}

	positiveDurations := []struct {
		name string
		v    time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeout},
		{"keepalive_interval", c.KeepaliveInterval},
		{"keepalive_quiet", c.KeepaliveQuiet},
		{"reconnect_base", c.ReconnectBase},
		{"reconnect_cap", c.ReconnectCap},
		{"resumption_validity", c.ResumptionValidity},
		{"selection_timeout", c.SelectionTimeout},
		{"readiness_window", c.ReadinessWindow},
		{"persist_debounce", c.PersistDebounce},
		{"tick_interval", c.TickInterval},
	}
	for _, f := range positiveDurations {
		if f.v <= 0 {
			return fmt.Errorf("%s must be > 0", f.name)
		}
	}
	if c.RefreshEvery < 0 {
		return fmt.Errorf("refresh_every must be >= 0")
	}
	if c.ReconnectBase > c.ReconnectCap {
		return fmt.Errorf("reconnect_base must be <= reconnect_cap")
	}

	switch c.Recovery.Backend {
	case "memory", "":
	case "sqlite":
		if c.Recovery.SQLitePath == "" {
			return fmt.Errorf("recovery.sqlite_path must be set when recovery.backend=sqlite")
		}
	case "postgres":
		if c.Recovery.PostgresDSN == "" {
			return fmt.Errorf("recovery.postgres_dsn must be set when recovery.backend=postgres")
		}
	case "redis":
		if c.Recovery.RedisAddr == "" && c.Recovery.RedisURL == "" {
			return fmt.Errorf("recovery.redis_addr or recovery.redis_url must be set when recovery.backend=redis")
		}
	default:
		return fmt.Errorf("recovery.backend must be one of memory|sqlite|postgres|redis")
	}
	switch c.Recovery.Fallback {
	case "", "memory":
	case "sqlite":
		if c.Recovery.SQLitePath == "" {
			return fmt.Errorf("recovery.sqlite_path must be set when recovery.fallback=sqlite")
		}
	default:
		return fmt.Errorf("recovery.fallback must be one of memory|sqlite")
	}
	return nil
}

// RequireAPIKey reports a missing credential for commands that dial out.
func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("ZENLIVE_API_KEY must be set for backend=%s", c.Backend)
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
