package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFile is the expected file name inside the config directory.
const configFile = "trellis.yaml"

// Initialize loads, resolves, and validates the configuration.
//
// Resolution order, later wins:
//  1. Built-in defaults
//  2. trellis.yaml from configDir (optional; missing file is fine)
//  3. Environment variable overrides
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := Default()

	user, found, err := loadFile(configDir)
	if err != nil {
		return nil, err
	}
	if found {
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", configFile, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	log.Info("configuration initialized",
		"file_loaded", found,
		"state_backend", cfg.State.Backend,
		"max_iterations", cfg.Coordination.MaxIterations,
		"retention_days", cfg.Retention.HistoryRetentionDays)
	return cfg, nil
}

// loadFile reads and parses trellis.yaml. A missing file is not an
// error; the defaults simply stand.
func loadFile(configDir string) (*Config, bool, error) {
	path := filepath.Join(configDir, configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, NewLoadError(configFile, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, false, NewLoadError(configFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &cfg, true, nil
}
