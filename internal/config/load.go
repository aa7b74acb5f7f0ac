package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

// Load reads, decodes, defaults, and validates the config file at path.
// A missing file yields the pure-defaults config (no sync-dirs, nothing to
// do, but a valid daemon). Unknown top-level keys are an error so typos
// surface instead of silently taking defaults.
func Load(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("config file not found, using defaults", slog.String("path", path))

		cfg := &Config{}
		applyDefaults(cfg)

		return cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Reload re-reads the config file for a running daemon. Unlike first load,
// failures are not fatal: the previous config is returned alongside the
// error and the caller logs a warning.
func Reload(path string, current *Config, logger *slog.Logger) (*Config, error) {
	cfg, err := Load(path, logger)
	if err != nil {
		return current, err
	}

	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}
