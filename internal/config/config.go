// Package config handles configuration for netterm. Values come from
// a YAML file overridden by NETTERM_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all netterm configuration.
type Config struct {
	// APIURL is the console backend root, e.g. https://console.lab.
	APIURL string `yaml:"api_url"`
	// Token authenticates both REST calls and the relay websocket.
	Token string `yaml:"token"`

	LogLevel string `yaml:"log_level"`
	// LogFile receives logs while the tty is in raw mode. Empty means
	// stderr.
	LogFile string `yaml:"log_file"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelayMs int `yaml:"reconnect_base_delay_ms"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`

	// Devserver settings, used only by `netterm devserver`.
	Devserver DevserverConfig `yaml:"devserver"`
}

// DevserverConfig configures the local development relay.
type DevserverConfig struct {
	Listen string `yaml:"listen"`
	Shell  string `yaml:"shell"`
}

// DefaultPath returns the standard config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "netterm.yaml"
	}
	return filepath.Join(home, ".config", "netterm", "config.yaml")
}

// Load reads configuration from path (missing file is fine), then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Fall through to env and defaults.
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NETTERM_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("NETTERM_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("NETTERM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NETTERM_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("NETTERM_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("NETTERM_RECONNECT_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectBaseDelayMs = n
		}
	}
	if v := os.Getenv("NETTERM_DEVSERVER_LISTEN"); v != "" {
		cfg.Devserver.Listen = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectBaseDelayMs == 0 {
		cfg.ReconnectBaseDelayMs = 1000
	}
	if cfg.HeartbeatIntervalSec == 0 {
		cfg.HeartbeatIntervalSec = 30
	}
	if cfg.Devserver.Listen == "" {
		cfg.Devserver.Listen = "127.0.0.1:7681"
	}
	if cfg.Devserver.Shell == "" {
		cfg.Devserver.Shell = defaultShell()
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
