package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Sink.URL == "" {
		errs = append(errs, errors.New("sink.url is required"))
	} else if !strings.HasPrefix(cfg.Sink.URL, "ws://") && !strings.HasPrefix(cfg.Sink.URL, "wss://") {
		errs = append(errs, fmt.Errorf("sink.url %q must use the ws:// or wss:// scheme", cfg.Sink.URL))
	}
	if cfg.Sink.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("sink.buffer_size %d must not be negative", cfg.Sink.BufferSize))
	}
	if cfg.Sink.BackoffMinMs < 0 || cfg.Sink.BackoffMaxMs < 0 {
		errs = append(errs, errors.New("sink backoff values must not be negative"))
	}
	if cfg.Sink.BackoffMinMs > 0 && cfg.Sink.BackoffMaxMs > 0 && cfg.Sink.BackoffMaxMs < cfg.Sink.BackoffMinMs {
		errs = append(errs, fmt.Errorf("sink.backoff_max_ms %d is below sink.backoff_min_ms %d", cfg.Sink.BackoffMaxMs, cfg.Sink.BackoffMinMs))
	}

	if cfg.Agent.EventsPath == "" {
		errs = append(errs, errors.New("agent.events_path is required"))
	}

	if cfg.Delivery.ThrottleMs < 0 || cfg.Delivery.DedupeWindowMs < 0 || cfg.Delivery.PauseIntervalMs < 0 {
		errs = append(errs, errors.New("delivery timing values must not be negative"))
	}

	if cfg.Transcription.Endpoint == "" {
		slog.Warn("transcription.endpoint is empty; agent audio will not be transcribed")
	}
	if cfg.Storage.Dir == "" {
		slog.Warn("storage.dir is empty; agent audio chunks will not be persisted or forwarded")
	}
	if cfg.Storage.Dir != "" && cfg.Storage.PublicPrefix == "" {
		slog.Warn("storage.public_prefix is empty; locators will expose the local storage path")
	}
	if cfg.Transcript.PostgresDSN == "" {
		slog.Warn("transcript.postgres_dsn is empty; the conversation log is kept in memory only")
	}
	if cfg.Transcript.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("transcript.memory_capacity %d must not be negative", cfg.Transcript.MemoryCapacity))
	}

	return errors.Join(errs...)
}
