// Package config handles configuration loading and management for Anvil.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Anvil.
type Config struct {
	Bus          BusConfig          `mapstructure:"bus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	TUI          TUIConfig          `mapstructure:"tui"`
	State        StateConfig        `mapstructure:"state"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	// QueueCapacity is the per-subscriber queue depth.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// Backpressure selects the full-queue policy: "block" or "fail_fast".
	Backpressure string `mapstructure:"backpressure"`
}

// OrchestratorConfig holds task routing settings.
type OrchestratorConfig struct {
	// TaskTimeout is the per-task deadline.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// MaxRetries is how many extra attempts a retryable failure earns.
	MaxRetries int `mapstructure:"max_retries"`
}

// TUIConfig holds watch display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// StateConfig holds session persistence settings.
type StateConfig struct {
	// Path is the sqlite database file. Empty disables persistence.
	Path string `mapstructure:"path"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (ANVIL_*)
// 2. Project config (.anvil.yaml in current directory or parent)
// 3. User config (~/.config/anvil/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ANVIL")
	v.AutomaticEnv()
	v.BindEnv("bus.queue_capacity", "ANVIL_BUS_QUEUE_CAPACITY")
	v.BindEnv("bus.backpressure", "ANVIL_BUS_BACKPRESSURE")
	v.BindEnv("orchestrator.task_timeout", "ANVIL_TASK_TIMEOUT")
	v.BindEnv("orchestrator.max_retries", "ANVIL_MAX_RETRIES")
	v.BindEnv("state.path", "ANVIL_STATE_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.Bus.QueueCapacity <= 0 {
		return fmt.Errorf("bus.queue_capacity must be positive, got %d", c.Bus.QueueCapacity)
	}
	switch c.Bus.Backpressure {
	case "block", "fail_fast":
	default:
		return fmt.Errorf("bus.backpressure must be %q or %q, got %q", "block", "fail_fast", c.Bus.Backpressure)
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		return fmt.Errorf("orchestrator.task_timeout must be positive, got %v", c.Orchestrator.TaskTimeout)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must be non-negative, got %d", c.Orchestrator.MaxRetries)
	}
	return nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("bus.queue_capacity", cfg.Bus.QueueCapacity)
	v.Set("bus.backpressure", cfg.Bus.Backpressure)
	v.Set("orchestrator.task_timeout", cfg.Orchestrator.TaskTimeout.String())
	v.Set("orchestrator.max_retries", cfg.Orchestrator.MaxRetries)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	v.Set("state.path", cfg.State.Path)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.queue_capacity", 1000)
	v.SetDefault("bus.backpressure", "block")
	v.SetDefault("orchestrator.task_timeout", "5s")
	v.SetDefault("orchestrator.max_retries", 1)
	v.SetDefault("tui.refresh_rate", "100ms")
	v.SetDefault("state.path", filepath.Join(".anvil", "anvil.db"))
}

// getUserConfigDir returns the XDG config directory for Anvil.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "anvil")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "anvil")
	}
	return filepath.Join(home, ".config", "anvil")
}

// findProjectConfig searches for .anvil.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".anvil.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			QueueCapacity: 1000,
			Backpressure:  "block",
		},
		Orchestrator: OrchestratorConfig{
			TaskTimeout: 5 * time.Second,
			MaxRetries:  1,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
		State: StateConfig{
			Path: filepath.Join(".anvil", "anvil.db"),
		},
	}
}
