package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the injector configuration
type Config struct {
	// Logging settings
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// History settings
	History HistoryConfig `json:"history" yaml:"history"`

	// Execution settings
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Debug bool   `json:"debug" yaml:"debug"`
	File  string `json:"file" yaml:"file"`
}

// HistoryConfig holds the injection-history store settings
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	// Key encrypts stored machine-code blobs when non-empty (hex).
	Key string `json:"key" yaml:"key"`
}

// ExecutionConfig holds thread-execution settings
type ExecutionConfig struct {
	// WaitTimeout bounds the wait for injected code to finish.
	// Zero means wait forever.
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Logging: LoggingConfig{
			Debug: false,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(homeDir, ".needle", "needle.db"),
		},
		Execution: ExecutionConfig{
			WaitTimeout: 0,
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file, selected
// by extension. An empty path yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	return cfg, nil
}

// SaveConfig saves configuration to file as JSON.
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
