package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, applies environment overrides,
// and validates the result. Unknown keys are fatal: silently ignoring a
// typo in a config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns the
// defaults with environment overrides applied. Validation is skipped:
// commands that need a complete config call Validate themselves.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)

		return cfg, nil
	}

	return Load(path)
}

// applyEnvOverrides lets the environment win over the file for the values
// that commonly vary per machine or should stay out of files.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.ServerURL = v
	}

	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}
}

// checkUnknownKeys rejects config keys that do not map to any field.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}

	return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
}
