// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the board service configuration.
//
// Sources, lowest precedence first: built-in defaults, the YAML file, a
// .env file next to the working directory, then BOARDSYNC_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Relay    RelayConfig    `yaml:"relay"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Auth     AuthConfig     `yaml:"auth"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the HTTP host.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// RelayConfig configures the sync channel.
type RelayConfig struct {
	// FrameRate is inbound frames per second per peer. Zero disables
	// limiting.
	FrameRate     float64       `yaml:"frame_rate" validate:"gte=0"`
	FrameBurst    int           `yaml:"frame_burst" validate:"gte=0"`
	SendQueueSize int           `yaml:"send_queue_size" validate:"gte=0"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes" validate:"gte=0"`
	PongTimeout   time.Duration `yaml:"pong_timeout" validate:"gte=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// SweepConfig configures the ephemeral sweeper.
type SweepConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	AuditLog    string        `yaml:"audit_log"`
}

// SnapshotConfig selects and configures the snapshot store.
type SnapshotConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory badger redis gcs"`
	Compression   string `yaml:"compression" validate:"oneof=none zstd lz4"`
	OnIdle        bool   `yaml:"on_idle"`
	RestoreOnJoin bool   `yaml:"restore_on_join"`
	OnDestroy     bool   `yaml:"on_destroy"`

	BadgerPath string `yaml:"badger_path" validate:"required_if=Backend badger"`

	RedisURL string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	RedisTTL time.Duration `yaml:"redis_ttl" validate:"gte=0"`

	GCSBucket          string `yaml:"gcs_bucket" validate:"required_if=Backend gcs"`
	GCSPrefix          string `yaml:"gcs_prefix"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// AuthConfig configures bearer token validation. An empty Tokens map
// accepts every connection as a local user.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string `yaml:"service_name"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Relay: RelayConfig{
			FrameRate:     50,
			FrameBurst:    100,
			SendQueueSize: 256,
			MaxFrameBytes: 1 << 20,
			PongTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:    10 * time.Second,
			Concurrency: 8,
		},
		Snapshot: SnapshotConfig{
			Backend:       "memory",
			Compression:   "zstd",
			OnIdle:        true,
			RestoreOnJoin: true,
			OnDestroy:     true,
		},
		Tracing: TracingConfig{ServiceName: "boardsync"},
	}
}

// Load reads path (optional), .env and the environment, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a sparse YAML file.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = d.Sweep.Interval
	}
	if cfg.Snapshot.Backend == "" {
		cfg.Snapshot.Backend = d.Snapshot.Backend
	}
	if cfg.Snapshot.Compression == "" {
		cfg.Snapshot.Compression = d.Snapshot.Compression
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays BOARDSYNC_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("BOARDSYNC_ADDR", &cfg.Server.Addr)
	str("BOARDSYNC_LOG_LEVEL", &cfg.Logging.Level)
	str("BOARDSYNC_LOG_DIR", &cfg.Logging.Dir)
	str("BOARDSYNC_SNAPSHOT_BACKEND", &cfg.Snapshot.Backend)
	str("BOARDSYNC_SNAPSHOT_COMPRESSION", &cfg.Snapshot.Compression)
	str("BOARDSYNC_BADGER_PATH", &cfg.Snapshot.BadgerPath)
	str("BOARDSYNC_REDIS_URL", &cfg.Snapshot.RedisURL)
	str("BOARDSYNC_GCS_BUCKET", &cfg.Snapshot.GCSBucket)
	str("BOARDSYNC_GCS_CREDENTIALS", &cfg.Snapshot.GCSCredentialsFile)
	str("BOARDSYNC_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	str("BOARDSYNC_AUDIT_LOG", &cfg.Sweep.AuditLog)

	if err := errors.Join(
		boolean("BOARDSYNC_LOG_JSON", &cfg.Logging.JSON),
		boolean("BOARDSYNC_TRACING", &cfg.Tracing.Enabled),
		duration("BOARDSYNC_SWEEP_INTERVAL", &cfg.Sweep.Interval),
	); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}

	if v, ok := lookup("BOARDSYNC_AUTH_TOKENS"); ok {
		tokens, err := parseTokens(v)
		if err != nil {
			return fmt.Errorf("BOARDSYNC_AUTH_TOKENS: %w", err)
		}
		cfg.Auth.Tokens = tokens
	}
	return nil
}

// parseTokens parses "token:user,token2:user2".
func parseTokens(v string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("malformed token pair %q", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}
