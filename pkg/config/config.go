// Package config loads and persists the uplink configuration file shared by
// uplinkd and uplinkctl.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rishiad/uplink-server/pkg/session"
)

// Config holds the uplink configuration. uplinkd binds the server
// addresses; uplinkctl dials them.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Session SessionConfig `yaml:"session" json:"session"`

	// OutputFormat is uplinkctl's default renderer: table, json or yaml.
	OutputFormat string `yaml:"output_format" json:"output_format"`

	// LogLevel is the daemon log threshold: trace, debug, info, warn,
	// error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// ServerConfig is the daemon endpoint layout.
type ServerConfig struct {
	// Addr is the session RPC listener.
	Addr string `yaml:"addr" json:"addr"`
	// AdminAddr is the admin HTTP listener.
	AdminAddr string `yaml:"admin_addr" json:"admin_addr"`
}

// AdminURL is the base URL uplinkctl uses to reach the admin API.
func (s ServerConfig) AdminURL() string {
	return "http://" + s.AdminAddr
}

// SessionConfig overrides the persistent-session timers. Durations use Go
// syntax ("5s", "3h"); empty fields keep the built-in defaults.
type SessionConfig struct {
	KeepAliveInterval string `yaml:"keep_alive_interval" json:"keep_alive_interval"`
	AckWindow         string `yaml:"ack_window" json:"ack_window"`
	Timeout           string `yaml:"timeout" json:"timeout"`
	Grace             string `yaml:"grace" json:"grace"`
	ShortGrace        string `yaml:"short_grace" json:"short_grace"`
}

// ManagerConfig resolves the overrides onto the built-in defaults.
func (s SessionConfig) ManagerConfig() (session.ManagerConfig, error) {
	cfg := session.DefaultManagerConfig()
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{s.KeepAliveInterval, "keep_alive_interval", &cfg.Conn.KeepAliveInterval},
		{s.AckWindow, "ack_window", &cfg.Conn.AckWindow},
		{s.Timeout, "timeout", &cfg.Conn.Timeout},
		{s.Grace, "grace", &cfg.Grace},
		{s.ShortGrace, "short_grace", &cfg.ShortGrace},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return cfg, fmt.Errorf("config: parse session.%s: %w", f.name, err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("config: session.%s must be positive, got %s", f.name, raw)
		}
		*f.dst = d
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      "127.0.0.1:7433",
			AdminAddr: "127.0.0.1:7434",
		},
		OutputFormat: "table",
		LogLevel:     "info",
	}
}

// DefaultPath returns the default config file path:
// ~/.config/uplink/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "uplink", "config.yaml")
	}
	return filepath.Join(home, ".config", "uplink", "config.yaml")
}

// Load reads the configuration from the given YAML file path. If the file
// does not exist, it returns the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	// A config writable by other users could silently redirect uplinkctl
	// to a rogue server.
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o (writable by other users)\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as
// needed. The file is written 0600.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
