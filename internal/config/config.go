// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon settings.
type Config struct {
	// DataDir is where the operation store keeps its SQLite database.
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// RemoteURL is the base URL of the mutation endpoint.
	RemoteURL string `yaml:"remote_url"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns a config with default values.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: ":8090",
		RemoteURL:  "http://localhost:3000/api/trpc",
		LogLevel:   "info",
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies environment overrides. An empty path
// skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote_url must be set")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FIELDSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FIELDSYNC_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_URL"); v != "" {
		c.RemoteURL = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
