// Package config loads the client configuration from ~/.roomsync/config.toml.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the client configuration.
type Config struct {
	// BackendURL is the HTTP base of the backend, e.g. https://x.example.co.
	BackendURL string `toml:"backend_url"`
	// APIKey is the anon key sent with every request.
	APIKey string `toml:"api_key"`
	// RealtimeURL is the websocket endpoint of the change feed. Derived
	// from BackendURL when empty.
	RealtimeURL string `toml:"realtime_url"`
	// HeartbeatSeconds is the presence heartbeat interval. Default 120.
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
	// LogPath is the log file location. Default: client.log beside the config.
	LogPath string `toml:"log_path"`
}

// DefaultPath returns the standard config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".roomsync", "config.toml")
	}
	return filepath.Join(home, ".roomsync", "config.toml")
}

// Dir returns the profile directory holding the given config file.
func Dir(path string) string {
	return filepath.Dir(path)
}

// Load reads config from the given path and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults(path string) {
	if c.RealtimeURL == "" && c.BackendURL != "" {
		ws := strings.Replace(c.BackendURL, "https://", "wss://", 1)
		ws = strings.Replace(ws, "http://", "ws://", 1)
		c.RealtimeURL = strings.TrimRight(ws, "/") + "/realtime/v1/ws"
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 120
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(filepath.Dir(path), "client.log")
	}
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return errors.New("config: backend_url is required")
	}
	if c.APIKey == "" {
		return errors.New("config: api_key is required")
	}
	return nil
}
