// Package config handles configuration loading and management.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/devpilot/devpilot/internal/state"
)

// Config holds all configuration for DevPilot.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Bus        BusConfig        `mapstructure:"bus"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	State      StateConfig      `mapstructure:"state"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key; falls back to ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"api_key"`
	// Model overrides the default model name.
	Model string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	// MaxPending is the per-subscriber pending message cap.
	MaxPending int `mapstructure:"max_pending"`
	// MaxRedeliveries is the redelivery budget before dead-lettering.
	MaxRedeliveries int `mapstructure:"max_redeliveries"`
	// DeliveryWindow is the per-attempt delivery window.
	DeliveryWindow time.Duration `mapstructure:"delivery_window"`
	// HistoryLimit bounds the message history ring.
	HistoryLimit int `mapstructure:"history_limit"`
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	// MaxRetries caps re-enqueues of a failing task.
	MaxRetries int `mapstructure:"max_retries"`
}

// SupervisorConfig holds supervisor settings.
type SupervisorConfig struct {
	// MaxRetries caps delegation retries per task.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// AgentTimeout bounds the wait for one agent response.
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
	// CapabilityWait bounds how long a ready task may sit with no
	// available agent before the project blocks.
	CapabilityWait time.Duration `mapstructure:"capability_wait"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path"`
}

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	// URL is the NATS server address; empty selects the in-process bus.
	URL string `mapstructure:"url"`
}

// WorkflowConfig holds plan settings.
type WorkflowConfig struct {
	// Checkpoints enables human review gates between stages.
	Checkpoints bool `mapstructure:"checkpoints"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, DEVPILOT_*)
// 2. Project config (.devpilot.yaml in current directory or parent)
// 3. User config (~/.config/devpilot/config.yaml)
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

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DEVPILOT")

	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("nats.url", "NATS_URL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
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

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("bus.max_pending", cfg.Bus.MaxPending)
	v.Set("bus.max_redeliveries", cfg.Bus.MaxRedeliveries)
	v.Set("bus.delivery_window", cfg.Bus.DeliveryWindow.String())
	v.Set("bus.history_limit", cfg.Bus.HistoryLimit)
	v.Set("queue.max_retries", cfg.Queue.MaxRetries)
	v.Set("supervisor.max_retries", cfg.Supervisor.MaxRetries)
	v.Set("supervisor.backoff_base", cfg.Supervisor.BackoffBase.String())
	v.Set("supervisor.backoff_max", cfg.Supervisor.BackoffMax.String())
	v.Set("supervisor.agent_timeout", cfg.Supervisor.AgentTimeout.String())
	v.Set("supervisor.capability_wait", cfg.Supervisor.CapabilityWait.String())
	v.Set("state.db_path", cfg.State.DBPath)
	v.Set("nats.url", cfg.NATS.URL)
	v.Set("workflow.checkpoints", cfg.Workflow.Checkpoints)

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
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("bus.max_pending", 1024)
	v.SetDefault("bus.max_redeliveries", 3)
	v.SetDefault("bus.delivery_window", "5s")
	v.SetDefault("bus.history_limit", 1000)

	v.SetDefault("queue.max_retries", 3)

	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.backoff_base", "500ms")
	v.SetDefault("supervisor.backoff_max", "30s")
	v.SetDefault("supervisor.agent_timeout", "120s")
	v.SetDefault("supervisor.capability_wait", "5m")

	v.SetDefault("state.db_path", state.DefaultDBPath())
	v.SetDefault("nats.url", "")
	v.SetDefault("workflow.checkpoints", true)
}

// getUserConfigDir returns the XDG config directory.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "devpilot")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "devpilot")
	}
	return filepath.Join(home, ".config", "devpilot")
}

// findProjectConfig searches for .devpilot.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".devpilot.yaml")
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

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			MaxPending:      1024,
			MaxRedeliveries: 3,
			DeliveryWindow:  5 * time.Second,
			HistoryLimit:    1000,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
		},
		Supervisor: SupervisorConfig{
			MaxRetries:     3,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			AgentTimeout:   120 * time.Second,
			CapabilityWait: 5 * time.Minute,
		},
		State: StateConfig{
			DBPath: state.DefaultDBPath(),
		},
		Workflow: WorkflowConfig{
			Checkpoints: true,
		},
	}
}
