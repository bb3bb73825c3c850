package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/anvilworks/anvil/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Anvil configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/anvil/config.yaml
Project-specific overrides can be placed in .anvil.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("bus.queue_capacity: %d\n", cfg.Bus.QueueCapacity)
	fmt.Printf("bus.backpressure: %s\n", cfg.Bus.Backpressure)
	fmt.Printf("orchestrator.task_timeout: %s\n", cfg.Orchestrator.TaskTimeout)
	fmt.Printf("orchestrator.max_retries: %d\n", cfg.Orchestrator.MaxRetries)
	fmt.Printf("tui.refresh_rate: %s\n", cfg.TUI.RefreshRate)
	fmt.Printf("state.path: %s\n", cfg.State.Path)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	switch key {
	case "bus.queue_capacity":
		fmt.Println(cfg.Bus.QueueCapacity)
	case "bus.backpressure":
		fmt.Println(cfg.Bus.Backpressure)
	case "orchestrator.task_timeout":
		fmt.Println(cfg.Orchestrator.TaskTimeout)
	case "orchestrator.max_retries":
		fmt.Println(cfg.Orchestrator.MaxRetries)
	case "tui.refresh_rate":
		fmt.Println(cfg.TUI.RefreshRate)
	case "state.path":
		fmt.Println(cfg.State.Path)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
		os.Exit(1)
	}
}

// setConfigKey updates a configuration value and saves it.
func setConfigKey(cfg *config.Config, key, value string) {
	var err error
	switch key {
	case "bus.queue_capacity":
		cfg.Bus.QueueCapacity, err = strconv.Atoi(value)
	case "bus.backpressure":
		cfg.Bus.Backpressure = value
	case "orchestrator.task_timeout":
		cfg.Orchestrator.TaskTimeout, err = time.ParseDuration(value)
	case "orchestrator.max_retries":
		cfg.Orchestrator.MaxRetries, err = strconv.Atoi(value)
	case "tui.refresh_rate":
		cfg.TUI.RefreshRate, err = time.ParseDuration(value)
	case "state.path":
		cfg.State.Path = value
	default:
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid value for %s: %v\n", key, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s\n", key, value)
}
