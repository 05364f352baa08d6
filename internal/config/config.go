// Package config loads the participant configuration used by the sync
// command: who this site is, where it checkpoints, which relay it joins and
// which artifacts it collaborates on.
//
// Example:
//
//	site_id: laptop-1
//	database: ./fmsync.db
//	relay_url: ws://localhost:8080/sync
//	artifacts: [fm1, fm2]
//	log_level: debug
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Parse.
const (
	DefaultDatabase = "fmsync.db"
	DefaultLogLevel = "info"
)

// Config is one participant's configuration.
type Config struct {
	// SiteID is this participant's identity. Empty means use the identity
	// recorded in the database, or generate one on first use.
	SiteID string `yaml:"site_id,omitempty"`

	// Database is the SQLite checkpoint path. Relative paths are resolved
	// against the config file's directory by Load.
	Database string `yaml:"database"`

	// RelayURL is the websocket relay to join (ws:// or wss://).
	RelayURL string `yaml:"relay_url"`

	// Artifacts lists the feature-model documents to synchronize.
	Artifacts []string `yaml:"artifacts"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if cfg.Database != ":memory:" && !filepath.IsAbs(cfg.Database) {
		cfg.Database = filepath.Join(filepath.Dir(path), cfg.Database)
	}
	return cfg, nil
}

// Parse decodes config YAML, rejecting unknown fields, then applies
// defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("relay_url is required")
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("relay_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay_url: scheme must be ws or wss, got %q", u.Scheme)
	}

	if len(c.Artifacts) == 0 {
		return fmt.Errorf("artifacts list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(c.Artifacts))
	for i, a := range c.Artifacts {
		if a == "" {
			return fmt.Errorf("artifacts[%d]: empty artifact id", i)
		}
		if seen[a] {
			return fmt.Errorf("artifacts[%d]: duplicate artifact %q", i, a)
		}
		seen[a] = true
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: unknown level %q", name)
	}
	return level, nil
}
