package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devpilot/devpilot/internal/config"
)

var configYAML bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify DevPilot configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/devpilot/config.yaml
Project-specific overrides can be placed in .devpilot.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			if configYAML {
				printConfigYAML(cfg)
				return
			}
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configYAML, "yaml", false, "Print configuration as YAML, suitable for .devpilot.yaml")
}

// printConfigYAML prints the effective configuration as a YAML document
// that can seed a project config file. The API key is masked.
func printConfigYAML(cfg *config.Config) {
	apiKey := ""
	if cfg.Anthropic.APIKey != "" {
		apiKey = "****"
	}
	out := map[string]any{
		"anthropic": map[string]any{
			"api_key":     apiKey,
			"model":       cfg.Anthropic.Model,
			"use_bedrock": cfg.Anthropic.UseBedrock,
			"aws_region":  cfg.Anthropic.AWSRegion,
		},
		"bus": map[string]any{
			"max_pending":      cfg.Bus.MaxPending,
			"max_redeliveries": cfg.Bus.MaxRedeliveries,
			"delivery_window":  cfg.Bus.DeliveryWindow.String(),
			"history_limit":    cfg.Bus.HistoryLimit,
		},
		"queue": map[string]any{
			"max_retries": cfg.Queue.MaxRetries,
		},
		"supervisor": map[string]any{
			"max_retries":     cfg.Supervisor.MaxRetries,
			"backoff_base":    cfg.Supervisor.BackoffBase.String(),
			"backoff_max":     cfg.Supervisor.BackoffMax.String(),
			"agent_timeout":   cfg.Supervisor.AgentTimeout.String(),
			"capability_wait": cfg.Supervisor.CapabilityWait.String(),
		},
		"state":    map[string]any{"db_path": cfg.State.DBPath},
		"nats":     map[string]any{"url": cfg.NATS.URL},
		"workflow": map[string]any{"checkpoints": cfg.Workflow.Checkpoints},
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}
	natsDisplay := cfg.NATS.URL
	if natsDisplay == "" {
		natsDisplay = "(in-process bus)"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("anthropic.aws_region: %s\n", cfg.Anthropic.AWSRegion)
	fmt.Printf("bus.max_pending: %d\n", cfg.Bus.MaxPending)
	fmt.Printf("bus.max_redeliveries: %d\n", cfg.Bus.MaxRedeliveries)
	fmt.Printf("bus.delivery_window: %s\n", cfg.Bus.DeliveryWindow)
	fmt.Printf("bus.history_limit: %d\n", cfg.Bus.HistoryLimit)
	fmt.Printf("queue.max_retries: %d\n", cfg.Queue.MaxRetries)
	fmt.Printf("supervisor.max_retries: %d\n", cfg.Supervisor.MaxRetries)
	fmt.Printf("supervisor.backoff_base: %s\n", cfg.Supervisor.BackoffBase)
	fmt.Printf("supervisor.backoff_max: %s\n", cfg.Supervisor.BackoffMax)
	fmt.Printf("supervisor.agent_timeout: %s\n", cfg.Supervisor.AgentTimeout)
	fmt.Printf("supervisor.capability_wait: %s\n", cfg.Supervisor.CapabilityWait)
	fmt.Printf("state.db_path: %s\n", cfg.State.DBPath)
	fmt.Printf("nats.url: %s\n", natsDisplay)
	fmt.Printf("workflow.checkpoints: %t\n", cfg.Workflow.Checkpoints)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return "****", nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "bus.max_pending":
		return strconv.Itoa(cfg.Bus.MaxPending), nil
	case "bus.max_redeliveries":
		return strconv.Itoa(cfg.Bus.MaxRedeliveries), nil
	case "bus.delivery_window":
		return cfg.Bus.DeliveryWindow.String(), nil
	case "bus.history_limit":
		return strconv.Itoa(cfg.Bus.HistoryLimit), nil
	case "queue.max_retries":
		return strconv.Itoa(cfg.Queue.MaxRetries), nil
	case "supervisor.max_retries":
		return strconv.Itoa(cfg.Supervisor.MaxRetries), nil
	case "supervisor.backoff_base":
		return cfg.Supervisor.BackoffBase.String(), nil
	case "supervisor.backoff_max":
		return cfg.Supervisor.BackoffMax.String(), nil
	case "supervisor.agent_timeout":
		return cfg.Supervisor.AgentTimeout.String(), nil
	case "supervisor.capability_wait":
		return cfg.Supervisor.CapabilityWait.String(), nil
	case "state.db_path":
		return cfg.State.DBPath, nil
	case "nats.url":
		return cfg.NATS.URL, nil
	case "workflow.checkpoints":
		return strconv.FormatBool(cfg.Workflow.Checkpoints), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "bus.max_pending":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_pending: %w", err)
		}
		cfg.Bus.MaxPending = n
	case "bus.max_redeliveries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_redeliveries: %w", err)
		}
		cfg.Bus.MaxRedeliveries = n
	case "bus.delivery_window":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for delivery_window: %w", err)
		}
		cfg.Bus.DeliveryWindow = d
	case "bus.history_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for history_limit: %w", err)
		}
		cfg.Bus.HistoryLimit = n
	case "queue.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for queue.max_retries: %w", err)
		}
		cfg.Queue.MaxRetries = n
	case "supervisor.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for supervisor.max_retries: %w", err)
		}
		cfg.Supervisor.MaxRetries = n
	case "supervisor.backoff_base":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for backoff_base: %w", err)
		}
		cfg.Supervisor.BackoffBase = d
	case "supervisor.backoff_max":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for backoff_max: %w", err)
		}
		cfg.Supervisor.BackoffMax = d
	case "supervisor.agent_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for agent_timeout: %w", err)
		}
		cfg.Supervisor.AgentTimeout = d
	case "supervisor.capability_wait":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for capability_wait: %w", err)
		}
		cfg.Supervisor.CapabilityWait = d
	case "state.db_path":
		cfg.State.DBPath = value
	case "nats.url":
		cfg.NATS.URL = value
	case "workflow.checkpoints":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for checkpoints: %w", err)
		}
		cfg.Workflow.Checkpoints = b
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
