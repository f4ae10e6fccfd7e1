// Package config loads and validates the todosync client configuration:
// a TOML file with defaults, environment overrides, and strict rejection
// of unknown keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Environment variable names for overrides.
const (
	EnvConfig    = "TODOSYNC_CONFIG"
	EnvServerURL = "TODOSYNC_SERVER_URL"
	EnvToken     = "TODOSYNC_TOKEN"
)

// defaultSyncInterval matches the design default of one cycle per 30 s.
const defaultSyncInterval = 30 * time.Second

// Config is the on-disk client configuration.
type Config struct {
	// ServerURL is the base URL of the coordination server.
	ServerURL string `toml:"server_url"`

	// Token is the bearer token issued by the server operator. Prefer the
	// TODOSYNC_TOKEN environment variable over storing it in the file.
	Token string `toml:"token"`

	// Project is the host-application project this device syncs.
	// One device, one project.
	Project string `toml:"project"`

	// HostFile is the path of the todo file maintained by the host
	// application.
	HostFile string `toml:"host_file"`

	// DataDir holds the snapshot, lock, and conflict log files.
	DataDir string `toml:"data_dir"`

	// SyncInterval is the cycle period in watch mode, e.g. "30s".
	SyncInterval duration `toml:"sync_interval"`
}

// duration wraps time.Duration for TOML string decoding ("30s", "2m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	d.Duration = parsed

	return nil
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Project:      "Inbox",
		DataDir:      defaultDataDir(),
		SyncInterval: duration{defaultSyncInterval},
	}
}

// DefaultConfigPath is ~/.config/todosync/config.toml, overridable with
// TODOSYNC_CONFIG.
func DefaultConfigPath() string {
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}

	return filepath.Join(home, ".config", "todosync", "config.toml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".local", "share", "todosync")
}

// StatePath is the snapshot document location inside the data directory.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// LockPath is the device sync lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "sync.lock")
}

// ConflictsPath is the conflict log location.
func (c *Config) ConflictsPath() string {
	return filepath.Join(c.DataDir, "conflicts.json")
}

// Interval returns the effective cycle period.
func (c *Config) Interval() time.Duration {
	if c.SyncInterval.Duration <= 0 {
		return defaultSyncInterval
	}

	return c.SyncInterval.Duration
}

// Validate checks the fields every sync command needs.
func Validate(cfg *Config) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}

	if cfg.Token == "" {
		return fmt.Errorf("config: token is required (set it in the config file or %s)", EnvToken)
	}

	if cfg.HostFile == "" {
		return fmt.Errorf("config: host_file is required")
	}

	if cfg.Project == "" {
		return fmt.Errorf("config: project is required")
	}

	return nil
}
