package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Bus.QueueCapacity != 1000 {
		t.Errorf("expected default queue capacity 1000, got %d", cfg.Bus.QueueCapacity)
	}
	if cfg.Bus.Backpressure != "block" {
		t.Errorf("expected default backpressure 'block', got %q", cfg.Bus.Backpressure)
	}
	if cfg.Orchestrator.TaskTimeout != 5*time.Second {
		t.Errorf("expected task timeout 5s, got %v", cfg.Orchestrator.TaskTimeout)
	}
	if cfg.Orchestrator.MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.TUI.RefreshRate != 100*time.Millisecond {
		t.Errorf("expected refresh rate 100ms, got %v", cfg.TUI.RefreshRate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
bus:
  queue_capacity: 64
  backpressure: fail_fast
orchestrator:
  task_timeout: 30s
  max_retries: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Bus.QueueCapacity != 64 {
		t.Errorf("queue_capacity = %d, want 64", cfg.Bus.QueueCapacity)
	}
	if cfg.Bus.Backpressure != "fail_fast" {
		t.Errorf("backpressure = %q, want fail_fast", cfg.Bus.Backpressure)
	}
	if cfg.Orchestrator.TaskTimeout != 30*time.Second {
		t.Errorf("task_timeout = %v, want 30s", cfg.Orchestrator.TaskTimeout)
	}
	if cfg.Orchestrator.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Orchestrator.MaxRetries)
	}
	// Unset keys keep their defaults.
	if cfg.TUI.RefreshRate != 100*time.Millisecond {
		t.Errorf("refresh_rate = %v, want default 100ms", cfg.TUI.RefreshRate)
	}
}

func TestLoadFromPathMissing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Bus.QueueCapacity = 0 }},
		{"bad backpressure", func(c *Config) { c.Bus.Backpressure = "drop" }},
		{"zero timeout", func(c *Config) { c.Orchestrator.TaskTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Orchestrator.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
