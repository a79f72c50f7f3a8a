// Package config handles configuration parsing for om-e2e.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/acolita/console-e2e/internal/ports"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/om-e2e/config.yaml or ~/.config/om-e2e/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "om-e2e", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Defaults  DefaultsConfig  `yaml:"defaults" toml:"defaults"`
	Platforms []string        `yaml:"platforms" toml:"platforms"` // GOOS values scenarios may run on
	Reset     ResetConfig     `yaml:"reset" toml:"reset"`
	Recording RecordingConfig `yaml:"recording" toml:"recording"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
	Scenarios []string        `yaml:"scenarios" toml:"scenarios"` // scenario files or doublestar globs
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level" toml:"level"`       // "debug", "info", "warn", "error"
	Format   string `yaml:"format" toml:"format"`     // "json", "text", "pretty" or "auto"
	Sanitize bool   `yaml:"sanitize" toml:"sanitize"` // sanitize sensitive data from logs
}

// DefaultsConfig holds values scenarios inherit unless they set their own.
type DefaultsConfig struct {
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`         // per-expectation bound
	Echo       bool          `yaml:"echo" toml:"echo"`               // mirror process I/O to the terminal
	CloseGrace time.Duration `yaml:"close_grace" toml:"close_grace"` // SIGTERM to SIGKILL delay on close
	PTY        bool          `yaml:"pty" toml:"pty"`                 // run subjects on a pseudo-terminal
}

// ResetConfig describes the command that restores shared state before a run.
type ResetConfig struct {
	Command  string        `yaml:"command" toml:"command"`
	Args     []string      `yaml:"args" toml:"args"`
	LockFile string        `yaml:"lock_file" toml:"lock_file"` // serializes resets across processes
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

// RecordingConfig defines transcript recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"` // write an asciicast per scenario
	Path    string `yaml:"path" toml:"path"`       // directory to store recordings
}

// HistoryConfig defines where run outcomes are kept between invocations.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"` // SQLite database file
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sanitize: true,
		},
		Defaults: DefaultsConfig{
			Timeout:    5 * time.Minute,
			Echo:       true,
			CloseGrace: 2 * time.Second,
		},
		Platforms: []string{"linux"},
		Reset: ResetConfig{
			Timeout: time.Minute,
		},
		Recording: RecordingConfig{
			Path: "recordings",
		},
		History: HistoryConfig{
			Path: "om-e2e-history.db",
		},
	}
}

// Load loads configuration from a YAML file, or a TOML file when path ends in ".toml".
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate fills unset values with defaults and reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "":
		c.Logging.Format = "json"
	case "json", "text", "pretty", "auto":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be json, text, pretty or auto, got %q", c.Logging.Format))
	}

	if c.Defaults.Timeout < 0 {
		errs = append(errs, fmt.Errorf("defaults.timeout: must not be negative"))
	} else if c.Defaults.Timeout == 0 {
		c.Defaults.Timeout = 5 * time.Minute
	}
	if c.Defaults.CloseGrace <= 0 {
		c.Defaults.CloseGrace = 2 * time.Second
	}

	if len(c.Platforms) == 0 {
		c.Platforms = []string{"linux"}
	}

	if c.Reset.Command != "" {
		if c.Reset.LockFile == "" {
			c.Reset.LockFile = filepath.Join(os.TempDir(), "om-e2e-reset.lock")
		}
		if c.Reset.Timeout <= 0 {
			c.Reset.Timeout = time.Minute
		}
	}

	if c.Recording.Enabled && c.Recording.Path == "" {
		c.Recording.Path = "recordings"
	}

	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = "om-e2e-history.db"
	}

	for _, pattern := range c.Scenarios {
		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			errs = append(errs, fmt.Errorf("scenarios: invalid pattern %q", pattern))
		}
	}

	return errors.Join(errs...)
}
