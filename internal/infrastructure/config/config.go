// Package config holds the session core's runtime configuration.
//
// Configuration is loaded from environment variables (envconfig tags) with
// an optional YAML file overlay for embedders that ship a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all session core configuration.
type Config struct {
	Registry RegistryConfig
	Store    StoreConfig
	Snapshot SnapshotConfig
	Logging  LogConfig
}

// RegistryConfig bounds the in-memory session registry.
type RegistryConfig struct {
	MaxSessions       int           `envconfig:"SESSION_MAX_IN_MEMORY" default:"10" yaml:"max_sessions"`
	EngineInitTimeout time.Duration `envconfig:"SESSION_ENGINE_INIT_TIMEOUT" default:"30s" yaml:"engine_init_timeout"`
}

// StoreConfig controls durable session storage.
type StoreConfig struct {
	Root             string        `envconfig:"SESSION_STORE_ROOT" yaml:"root"`
	DefaultLoadCount int           `envconfig:"SESSION_LOAD_COUNT" default:"50" yaml:"default_load_count"`
	KeepOnDisk       int           `envconfig:"SESSION_KEEP_ON_DISK" default:"100" yaml:"keep_on_disk"`
	UIHistoryTimeout time.Duration `envconfig:"SESSION_UI_HISTORY_TIMEOUT" default:"3s" yaml:"ui_history_timeout"`
	LoadParallelism  int           `envconfig:"SESSION_LOAD_PARALLELISM" default:"8" yaml:"load_parallelism"`
}

// SnapshotConfig bounds the in-memory checkpoint ring.
type SnapshotConfig struct {
	Retention   int   `envconfig:"SNAPSHOT_RETENTION" default:"20" yaml:"retention"`
	MaxFileSize int64 `envconfig:"SNAPSHOT_MAX_FILE_SIZE" default:"4194304" yaml:"max_file_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile overlays a YAML config file on top of environment configuration.
// Environment values act as the base; file values win where present.
func LoadFile(path string) (*Config, error) {
	cfg := LoadOrDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			MaxSessions:       10,
			EngineInitTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			DefaultLoadCount: 50,
			KeepOnDisk:       100,
			UIHistoryTimeout: 3 * time.Second,
			LoadParallelism:  8,
		},
		Snapshot: SnapshotConfig{
			Retention:   20,
			MaxFileSize: 4 << 20,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Registry.MaxSessions < 1 {
		return fmt.Errorf("registry max sessions must be at least 1, got %d", c.Registry.MaxSessions)
	}
	if c.Snapshot.Retention < 1 {
		return fmt.Errorf("snapshot retention must be at least 1, got %d", c.Snapshot.Retention)
	}
	if c.Store.LoadParallelism < 1 {
		return fmt.Errorf("store load parallelism must be at least 1, got %d", c.Store.LoadParallelism)
	}
	return nil
}
