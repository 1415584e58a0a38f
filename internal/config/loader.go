package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] before validation.
const (
	DefaultListenAddr               = ":8080"
	DefaultInactivityTimeoutSeconds = 30
	DefaultHeartbeatIntervalSeconds = 10
	DefaultUsageIntervalSeconds     = 60
	DefaultCoalesceGapSeconds       = 0.5
	DefaultOpenAIModel              = "gpt-4o-mini"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.InactivityTimeoutSeconds == 0 {
		cfg.Session.InactivityTimeoutSeconds = DefaultInactivityTimeoutSeconds
	}
	if cfg.Session.HeartbeatIntervalSeconds == 0 {
		cfg.Session.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSeconds
	}
	if cfg.Session.UsageIntervalSeconds == 0 {
		cfg.Session.UsageIntervalSeconds = DefaultUsageIntervalSeconds
	}
	if cfg.Session.CoalesceGapSeconds == 0 {
		cfg.Session.CoalesceGapSeconds = DefaultCoalesceGapSeconds
	}
	if cfg.OpenAI.TranslationModel == "" {
		cfg.OpenAI.TranslationModel = DefaultOpenAIModel
	}
	if cfg.OpenAI.VisionModel == "" {
		cfg.OpenAI.VisionModel = DefaultOpenAIModel
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Session.InactivityTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.inactivity_timeout_s %d must not be negative", cfg.Session.InactivityTimeoutSeconds))
	}
	if cfg.Session.HeartbeatIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_interval_s %d must not be negative", cfg.Session.HeartbeatIntervalSeconds))
	}
	if cfg.Session.UsageIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.usage_interval_s %d must not be negative", cfg.Session.UsageIntervalSeconds))
	}
	if cfg.Session.CoalesceGapSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.coalesce_gap_s %.2f must not be negative", cfg.Session.CoalesceGapSeconds))
	}

	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; falling back to the in-memory conversation store (data is lost on restart)")
	}
	if cfg.Redis.URI == "" {
		slog.Warn("redis.uri is empty; distributed locking and geolocation caching are disabled")
	}
	if cfg.Providers.Deepgram.APIKey == "" &&
		cfg.Providers.Soniox.APIKey == "" &&
		cfg.Providers.Speechmatics.APIKey == "" {
		slog.Warn("no STT provider api_key configured; all session languages will be rejected as unsupported")
	}
	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai.api_key is empty; photo description and translation are disabled")
	}

	return errors.Join(errs...)
}

// SlogLevel converts the configured log level to a [slog.Level].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
