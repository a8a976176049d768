// Package config loads hub configuration from YAML with environment
// overrides. Precedence: defaults, then the config file, then RELAY_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rand/relay/internal/transport"
)

// Config is the effective hub configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Selector SelectorConfig `yaml:"selector"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Modules  []ModuleConfig `yaml:"modules"`

	// MaxConcurrent bounds batch dispatch parallelism.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LogConfig controls operational logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// File enables rotating file output when set; empty logs to stderr.
	File string `yaml:"file"`

	// MaxSizeMB rotates the log file past this size.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups bounds retained rotated files.
	MaxBackups int `yaml:"max_backups"`
}

// StoreConfig locates the experience database.
type StoreConfig struct {
	// Path to the SQLite file. Empty keeps the log in memory.
	Path string `yaml:"path"`
}

// SelectorConfig tunes the selection policy.
type SelectorConfig struct {
	LearningRate    float64 `yaml:"learning_rate"`
	ExplorationRate float64 `yaml:"exploration_rate"`
	Seed            int64   `yaml:"seed"`
}

// BreakerConfig tunes the per-module circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// ModuleConfig declares one destination module and its transport.
type ModuleConfig struct {
	Name     string        `yaml:"name"`
	Protocol string        `yaml:"protocol"`
	Target   string        `yaml:"target"`
	Args     []string      `yaml:"args"`
	Env      []string      `yaml:"env"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Transport converts the module declaration into an adapter config.
func (m ModuleConfig) Transport() transport.Config {
	return transport.Config{
		Name:     m.Name,
		Protocol: transport.Protocol(m.Protocol),
		Target:   m.Target,
		Args:     m.Args,
		Env:      m.Env,
		Timeout:  m.Timeout,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Selector: SelectorConfig{
			LearningRate:    0.1,
			ExplorationRate: 0.1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 1,
		},
		MaxConcurrent: 4,
	}
}

// DefaultPath returns the config file used when none is given: relay.yaml in
// the working directory if present, otherwise ~/.config/relay/config.yaml.
func DefaultPath() string {
	if _, err := os.Stat("relay.yaml"); err == nil {
		return "relay.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "relay", "config.yaml")
}

// Load reads the config file at path, if it exists, on top of the defaults,
// then applies environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays RELAY_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("RELAY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RELAY_EXPLORATION_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Selector.ExplorationRate = f
		}
	}
	if v := os.Getenv("RELAY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}

	seen := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("config: module with empty name")
		}
		if seen[m.Name] {
			return fmt.Errorf("config: duplicate module %q", m.Name)
		}
		seen[m.Name] = true

		switch transport.Protocol(m.Protocol) {
		case transport.ProtocolProcess, transport.ProtocolTool:
		default:
			return fmt.Errorf("config: module %q has unknown protocol %q", m.Name, m.Protocol)
		}
		if m.Target == "" {
			return fmt.Errorf("config: module %q has no target", m.Name)
		}
	}
	return nil
}
