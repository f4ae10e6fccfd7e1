package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadCompleteConfig(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://sync.example.com"
token = "secret"
project = "Work"
host_file = "/tmp/todos.json"
data_dir = "/tmp/todosync"
sync_interval = "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, "Work", cfg.Project)
	assert.Equal(t, "/tmp/todos.json", cfg.HostFile)
	assert.Equal(t, 2*time.Minute, cfg.Interval())

	assert.Equal(t, filepath.Join("/tmp/todosync", "state.json"), cfg.StatePath())
	assert.Equal(t, filepath.Join("/tmp/todosync", "sync.lock"), cfg.LockPath())
	assert.Equal(t, filepath.Join("/tmp/todosync", "conflicts.json"), cfg.ConflictsPath())
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://sync.example.com"
token = "secret"
host_file = "/tmp/todos.json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Inbox", cfg.Project)
	assert.Equal(t, 30*time.Second, cfg.Interval())
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://sync.example.com"
token = "secret"
host_file = "/tmp/todos.json"
serverurl = "typo"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoadRejectsInvalidInterval(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://sync.example.com"
token = "secret"
host_file = "/tmp/todos.json"
sync_interval = "soonish"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://file.example.com"
token = "file-token"
host_file = "/tmp/todos.json"
`)

	t.Setenv(EnvServerURL, "https://env.example.com")
	t.Setenv(EnvToken, "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.ServerURL)
	assert.Equal(t, "env-token", cfg.Token)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, "Inbox", cfg.Project)
	assert.Empty(t, cfg.ServerURL)
}

func TestValidate(t *testing.T) {
	valid := &Config{
		ServerURL: "https://sync.example.com",
		Token:     "secret",
		Project:   "Inbox",
		HostFile:  "/tmp/todos.json",
	}
	assert.NoError(t, Validate(valid))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server_url", func(c *Config) { c.ServerURL = "" }},
		{"missing token", func(c *Config) { c.Token = "" }},
		{"missing host_file", func(c *Config) { c.HostFile = "" }},
		{"missing project", func(c *Config) { c.Project = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *valid
			tc.mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}
