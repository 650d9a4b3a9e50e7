// Package config loads the controller's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/petrel-ci/petrel/internal/otel"
)

// LogConfig controls the slog setup.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text", "json" or "" (auto: text on a TTY, json otherwise).
	Format string `yaml:"format"`
}

// PollConfig controls the periodic jobset evaluation.
type PollConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // 5-field cron expression
}

// SandboxConfig selects the action runner.
type SandboxConfig struct {
	// Disabled runs actions without isolation. Development only.
	Disabled bool `yaml:"disabled"`
}

// Config is the controller configuration.
type Config struct {
	// DBPath locates the SQLite database. Defaults under HomeDir.
	DBPath string `yaml:"db_path"`
	// System overrides the local Nix system; resolved via the driver when
	// empty.
	System  string        `yaml:"system"`
	Log     LogConfig     `yaml:"log"`
	Poll    PollConfig    `yaml:"poll"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Otel    otel.Config   `yaml:"otel"`

	// HomeDir is where config and data live. Not read from YAML.
	HomeDir string `yaml:"-"`
}

// HomeDir resolves the data directory: $PETREL_HOME or ~/.petrel.
func HomeDir() string {
	if dir := os.Getenv("PETREL_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".petrel")
}

// Path returns the config file location under the home dir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Default returns the built-in configuration.
func Default(homeDir string) Config {
	return Config{
		HomeDir: homeDir,
		DBPath:  filepath.Join(homeDir, "petrel.db"),
		Log:     LogConfig{Level: "info"},
		Poll:    PollConfig{Enabled: false, Schedule: "*/15 * * * *"},
	}
}

// Load reads the config file, filling in defaults. A missing file yields the
// defaults.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)
	data, err := os.ReadFile(Path(homeDir))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(homeDir, "petrel.db")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Poll.Schedule == "" {
		cfg.Poll.Schedule = "*/15 * * * *"
	}
	return cfg, nil
}

// Save writes the config back to disk. Used by tooling and tests.
func Save(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	tmp := Path(cfg.HomeDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, Path(cfg.HomeDir)); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
