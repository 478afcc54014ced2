// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/lexrun-client/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete lexrun client configuration.
type Config struct {
	// API configuration
	API APIConfig `toml:"api"`

	// UI configuration
	UI UIConfig `toml:"ui"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Log configuration
	Log LogConfig `toml:"log"`
}

// APIConfig contains backend connection settings.
type APIConfig struct {
	// Endpoint is the full URL of the conversation endpoint.
	Endpoint string `toml:"endpoint"`
	// TitlesEndpoint is the base URL for source title lookups.
	// Empty disables title enrichment.
	TitlesEndpoint string `toml:"titles_endpoint"`
	// Model is the model requested for generations.
	Model string `toml:"model"`
	// RetryAttempts is the total number of attempts per send (1-10).
	RetryAttempts int `toml:"retry_attempts"`
	// RetryDelayMS is the linear backoff unit in milliseconds.
	RetryDelayMS int `toml:"retry_delay_ms"`
}

// UIConfig contains presentation settings.
type UIConfig struct {
	// RevealIntervalMS is the pacing between revealed characters in
	// milliseconds. Zero disables pacing.
	RevealIntervalMS int `toml:"reveal_interval_ms"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// Path is the SQLite database path (empty = ~/.lexrun/conversations.db).
	Path string `toml:"path"`
	// MaxConversations caps how many conversations List surfaces.
	MaxConversations int `toml:"max_conversations"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `toml:"level"`
}

// RetryDelay returns the backoff unit as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.API.RetryDelayMS) * time.Millisecond
}

// RevealInterval returns the reveal pacing as a duration.
func (c *Config) RevealInterval() time.Duration {
	return time.Duration(c.UI.RevealIntervalMS) * time.Millisecond
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Endpoint:      "http://127.0.0.1:1337/backend-api/v2/conversation",
			Model:         "lexrun-default",
			RetryAttempts: 3,
			RetryDelayMS:  1000,
		},
		UI: UIConfig{
			RevealIntervalMS: 10,
		},
		Storage: StorageConfig{
			MaxConversations: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the lexrun configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".lexrun"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultStoragePath returns the default conversation database path.
func DefaultStoragePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conversations.db"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when the file is absent. Environment overrides apply last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if _, statErr := os.Stat(path); statErr == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to a specific TOML file.
func SaveTo(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# lexrun configuration file")
	fmt.Fprintln(&buf, "# Edit with care; invalid values are rejected at startup.")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// DEFAULTS / VALIDATION
// =============================================================================

// SetDefaults fills missing values and clamps out-of-range ones.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.API.Endpoint == "" {
		c.API.Endpoint = defaults.API.Endpoint
	}
	if c.API.Model == "" {
		c.API.Model = defaults.API.Model
	}
	if c.API.RetryAttempts == 0 {
		c.API.RetryAttempts = defaults.API.RetryAttempts
	}
	if c.API.RetryAttempts > 10 {
		c.API.RetryAttempts = 10
	}
	if c.API.RetryDelayMS == 0 {
		c.API.RetryDelayMS = defaults.API.RetryDelayMS
	}
	if c.UI.RevealIntervalMS > 1000 {
		c.UI.RevealIntervalMS = 1000
	}
	if c.Storage.MaxConversations == 0 {
		c.Storage.MaxConversations = defaults.Storage.MaxConversations
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.API.Endpoint); err != nil {
		return ValidationError{Field: "api.endpoint", Message: fmt.Sprintf("invalid URL: %v", err)}
	}
	if c.API.TitlesEndpoint != "" {
		if _, err := url.ParseRequestURI(c.API.TitlesEndpoint); err != nil {
			return ValidationError{Field: "api.titles_endpoint", Message: fmt.Sprintf("invalid URL: %v", err)}
		}
	}
	if c.API.RetryAttempts < 1 {
		return ValidationError{Field: "api.retry_attempts", Message: "must be at least 1"}
	}
	if c.API.RetryDelayMS < 0 {
		return ValidationError{Field: "api.retry_delay_ms", Message: "must be non-negative"}
	}
	if c.UI.RevealIntervalMS < 0 {
		return ValidationError{Field: "ui.reveal_interval_ms", Message: "must be non-negative"}
	}
	if c.Storage.MaxConversations < 1 {
		return ValidationError{Field: "storage.max_conversations", Message: "must be at least 1"}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level %q, must be one of: debug, info, warn, error", c.Log.Level),
		}
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - LEXRUN_ENDPOINT: overrides api.endpoint
//   - LEXRUN_TITLES_ENDPOINT: overrides api.titles_endpoint
//   - LEXRUN_MODEL: overrides api.model
//   - LEXRUN_STORAGE_PATH: overrides storage.path
//   - LEXRUN_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if endpoint := os.Getenv("LEXRUN_ENDPOINT"); endpoint != "" {
		c.API.Endpoint = endpoint
	}
	if titles := os.Getenv("LEXRUN_TITLES_ENDPOINT"); titles != "" {
		c.API.TitlesEndpoint = titles
	}
	if model := os.Getenv("LEXRUN_MODEL"); model != "" {
		c.API.Model = model
	}
	if path := os.Getenv("LEXRUN_STORAGE_PATH"); path != "" {
		c.Storage.Path = path
	}
	if level := os.Getenv("LEXRUN_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}
