// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for corral processes.
//
// Configuration is loaded from a single YAML file specified by:
//   - CORRAL_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment
// variables never override file values; the file is the single
// source of truth.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a corral deployment.
type Config struct {
	// Server configures the listeners and worker topology.
	Server ServerConfig `yaml:"server"`

	// Auth configures handshake verification.
	Auth AuthConfig `yaml:"auth"`

	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Redis configures the shared presence, marker, and fabric
	// backend. An empty addr runs the process single-node on
	// in-memory equivalents.
	Redis RedisConfig `yaml:"redis"`

	// Presence configures device liveness tracking.
	Presence PresenceConfig `yaml:"presence"`

	// Coalesce configures telemetry write batching.
	Coalesce CoalesceConfig `yaml:"coalesce"`
}

// ServerConfig configures the listeners and worker topology.
type ServerConfig struct {
	// Listen is the front address clients connect to.
	Listen string `yaml:"listen"`

	// Health is the supervisor's own health endpoint address.
	// Empty disables it; worker health is served on each worker's
	// listener.
	Health string `yaml:"health"`

	// Workers is the worker process count. Zero means one per CPU.
	Workers int `yaml:"workers"`

	// WorkerBasePort is the first worker's loopback port; worker i
	// listens on WorkerBasePort+i.
	WorkerBasePort int `yaml:"worker_base_port"`

	// PulseInterval is how often connected devices receive a pulse
	// notification, as a duration string. Default: 25s
	PulseInterval string `yaml:"pulse_interval"`
}

// AuthConfig configures handshake verification.
type AuthConfig struct {
	// DeviceSecret signs device HMAC handshakes and doubles as the
	// legacy static key. Required.
	DeviceSecret string `yaml:"device_secret"`

	// AdminToken authenticates admin connections. Empty disables
	// the admin path entirely.
	AdminToken string `yaml:"admin_token"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// RedisConfig configures the shared cross-node backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PresenceConfig configures device liveness tracking.
type PresenceConfig struct {
	// TTL is the liveness window as a duration string. Default: 120s
	TTL string `yaml:"ttl"`
}

// CoalesceConfig configures telemetry write batching.
type CoalesceConfig struct {
	// FlushInterval is the batching window as a duration string.
	// Default: 2s
	FlushInterval string `yaml:"flush_interval"`
}

// Default returns the default configuration, used as the base before
// loading the config file. The auth secret has no default; a config
// file is required for any real deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "0.0.0.0:8090",
			Health:         "127.0.0.1:8091",
			WorkerBasePort: 9090,
			PulseInterval:  "25s",
		},
		Database: DatabaseConfig{
			Path:     "corral.db",
			PoolSize: 4,
		},
		Presence: PresenceConfig{TTL: "120s"},
		Coalesce: CoalesceConfig{FlushInterval: "2s"},
	}
}

// Load loads configuration from the CORRAL_CONFIG environment
// variable. There are no fallbacks: if CORRAL_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	path := os.Getenv("CORRAL_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CORRAL_CONFIG environment variable not set; " +
			"set it to the path of your corral.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, layered
// over Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and duration syntax.
func (c *Config) Validate() error {
	if c.Auth.DeviceSecret == "" {
		return fmt.Errorf("auth.device_secret is required")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.WorkerBasePort <= 0 {
		return fmt.Errorf("server.worker_base_port must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	for name, value := range map[string]string{
		"server.pulse_interval":   c.Server.PulseInterval,
		"presence.ttl":            c.Presence.TTL,
		"coalesce.flush_interval": c.Coalesce.FlushInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback for an empty
// value. Call only after Validate.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
