// Package config loads kosmos configuration from .kosmos/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kosmos configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Budget defaults applied when a run does not override them
	Budget BudgetConfig `yaml:"budget"`

	// Scheduler settings
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Sandbox settings
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BudgetConfig holds default run budget values.
type BudgetConfig struct {
	MaxIterations    int     `yaml:"max_iterations"`
	MaxParallelTasks int     `yaml:"max_parallel_tasks"`
	MaxWallClock     string  `yaml:"max_wall_clock"` // Duration string, e.g. "2h"
	MaxCost          float64 `yaml:"max_cost"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	QueueCapacity int    `yaml:"queue_capacity"`
	MaxAttempts   int    `yaml:"max_attempts"`
	TaskTimeout   string `yaml:"task_timeout"`    // Per-task default, e.g. "5m"
	RetryBackoff  string `yaml:"retry_backoff"`   // Base backoff, e.g. "200ms"
	MaxRetryDelay string `yaml:"max_retry_delay"` // Backoff cap, e.g. "5s"
}

// SandboxConfig configures untrusted code execution.
type SandboxConfig struct {
	Mode           string `yaml:"mode"` // "process" or "docker"
	Image          string `yaml:"image"`
	ScratchDir     string `yaml:"scratch_dir"`
	InputDir       string `yaml:"input_dir"`
	MaxMemoryMB    int64  `yaml:"max_memory_mb"`
	MaxProcesses   int    `yaml:"max_processes"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
	Timeout        string `yaml:"timeout"` // Hard wall-clock ceiling, e.g. "5m"
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	ArtifactDir  string `yaml:"artifact_dir"`
}

// LoggingConfig mirrors the logging package's view of the config file.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Name:    "kosmos",
		Version: "0.1.0",
		Budget: BudgetConfig{
			MaxIterations:    10,
			MaxParallelTasks: 10,
			MaxWallClock:     "2h",
			MaxCost:          100.0,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity: 256,
			MaxAttempts:   3,
			TaskTimeout:   "5m",
			RetryBackoff:  "200ms",
			MaxRetryDelay: "5s",
		},
		Sandbox: SandboxConfig{
			Mode:           "process",
			Image:          "python:3.12-slim",
			MaxMemoryMB:    2048,
			MaxProcesses:   32,
			MaxOutputBytes: 10 * 1024 * 1024,
			Timeout:        "5m",
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(".kosmos", "kosmos.db"),
			ArtifactDir:  filepath.Join(".kosmos", "artifacts"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the workspace, layering the file over
// defaults. A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".kosmos", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the workspace.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".kosmos")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Budget.MaxIterations < 1 {
		return fmt.Errorf("budget.max_iterations must be >= 1, got %d", c.Budget.MaxIterations)
	}
	if c.Budget.MaxParallelTasks < 1 {
		return fmt.Errorf("budget.max_parallel_tasks must be >= 1, got %d", c.Budget.MaxParallelTasks)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be >= 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Sandbox.Mode != "process" && c.Sandbox.Mode != "docker" {
		return fmt.Errorf("sandbox.mode must be process or docker, got %q", c.Sandbox.Mode)
	}
	for _, d := range []struct {
		name, val string
	}{
		{"budget.max_wall_clock", c.Budget.MaxWallClock},
		{"scheduler.task_timeout", c.Scheduler.TaskTimeout},
		{"scheduler.retry_backoff", c.Scheduler.RetryBackoff},
		{"scheduler.max_retry_delay", c.Scheduler.MaxRetryDelay},
		{"sandbox.timeout", c.Sandbox.Timeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.val)
		}
	}
	return nil
}

// Duration parses a duration field, falling back to def on empty or
// malformed values. Validate catches malformed values at load time, so the
// fallback only matters for hand-built configs.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// WorkerCount returns the effective worker pool size for a run:
// min(available cores, maxParallel).
func WorkerCount(maxParallel int) int {
	n := runtime.NumCPU()
	if maxParallel > 0 && maxParallel < n {
		return maxParallel
	}
	return n
}
