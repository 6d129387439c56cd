package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load loads configuration with layering.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. System config (/etc/autodev/config.yaml) - optional
//  3. User config (~/.autodev/config.yaml) - optional
//  4. Project config (.autodev/config.yaml)
//  5. Environment variables (AUTODEV_*)
func Load() (*Config, error) {
	cfg := Default()

	systemPath := "/etc/autodev/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		if err := mergeFromFile(cfg, systemPath); err != nil {
			slog.Warn("failed to load system config", "path", systemPath, "error", err)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, AutodevDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	projectPath := filepath.Join(AutodevDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFromFile(cfg, projectPath); err != nil {
			return nil, err // Project config errors are fatal
		}
	}

	ApplyEnvVars(cfg)

	return cfg, nil
}

// mergeFromFile overlays the keys present in path onto cfg. Keys absent
// from the file keep their current values.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	return nil
}
