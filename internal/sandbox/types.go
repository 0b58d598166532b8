// Package sandbox executes untrusted generated code in an isolated
// environment. Every job passes a static policy check before any process
// starts; jobs that fail the check are rejected with a structured violation
// report and never reach an executor.
//
// Two runners are provided: ProcessRunner (host process with resource caps
// and process-group teardown) and DockerRunner (container with network
// isolation and a read-only root filesystem). Both guarantee the sandboxed
// process is torn down before Execute returns.
package sandbox

import (
	"context"
	"time"
)

// Mode selects the isolation strategy.
type Mode string

const (
	// ModeProcess runs jobs as a host process with resource limits.
	ModeProcess Mode = "process"

	// ModeDocker runs jobs inside a Docker container.
	ModeDocker Mode = "docker"
)

// Job describes one sandboxed execution.
type Job struct {
	// TaskID links the job back to its scheduler task.
	TaskID string `json:"task_id"`

	// AttemptIndex is which attempt of the task this is (1-based).
	AttemptIndex int `json:"attempt_index"`

	// Code is the program source to execute.
	Code string `json:"code"`

	// Language selects the interpreter ("python" is the only supported
	// value today).
	Language string `json:"language"`

	// InputDir is mounted read-only into the sandbox, if set.
	InputDir string `json:"input_dir,omitempty"`

	// Env variables in KEY=VALUE form, merged over the minimal base set.
	Env []string `json:"env,omitempty"`

	// Limits specifies resource constraints. Nil means runner defaults.
	Limits *Limits `json:"limits,omitempty"`
}

// Limits defines resource constraints on a job.
type Limits struct {
	// Timeout is the maximum wall-clock time. Zero means the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxMemoryBytes limits memory usage. Zero means the runner default.
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`

	// MaxProcesses limits child process count. Zero means the runner default.
	MaxProcesses int `json:"max_processes,omitempty"`

	// MaxOutputBytes caps captured stdout and stderr, each. Zero means the
	// runner default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	// ExitCode is the process exit code (-1 if the process never started
	// or was killed before exiting).
	ExitCode int `json:"exit_code"`

	// Stdout and Stderr are the captured output streams, possibly truncated.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Truncated indicates output was dropped due to size caps.
	Truncated bool `json:"truncated"`

	// TimedOut indicates the job hit its wall-clock limit and was killed.
	TimedOut bool `json:"timed_out"`

	// Cancelled indicates the caller cancelled the job before it finished;
	// the process was killed without hitting its own limits.
	Cancelled bool `json:"cancelled"`

	// OOMKilled indicates the job exceeded its memory limit.
	OOMKilled bool `json:"oom_killed"`

	// Violation is non-nil when the static policy check rejected the job.
	// The process never started in that case.
	Violation *Violation `json:"violation,omitempty"`

	// WrittenFiles lists paths (relative to the scratch dir) the job
	// created, for artifact collection.
	WrittenFiles []string `json:"written_files,omitempty"`

	// ScratchDir is the job's private working directory. The caller owns
	// collecting artifacts from it; it is removed on the next run.
	ScratchDir string `json:"scratch_dir,omitempty"`

	// Usage contains resource consumption metrics where available.
	Usage *Usage `json:"usage,omitempty"`

	// StartedAt and Duration describe the wall-clock window.
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Mode is the isolation mode actually used.
	Mode Mode `json:"mode"`
}

// Usage contains resource consumption metrics for a completed job.
type Usage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// Runner executes jobs in isolation.
type Runner interface {
	// Execute runs the job and returns its result. A policy rejection is a
	// normal result with Violation set, not an error; errors indicate the
	// execution infrastructure itself failed.
	Execute(ctx context.Context, job Job) (*Result, error)
}

// Config configures a runner.
type Config struct {
	// ScratchRoot is where per-job working directories are created.
	ScratchRoot string

	// InputDir is mounted read-only when a job does not set its own.
	InputDir string

	// Image is the container image for Docker mode.
	Image string

	// DefaultTimeout applies when a job sets no timeout.
	DefaultTimeout time.Duration

	// MaxTimeout caps all job timeouts.
	MaxTimeout time.Duration

	// DefaultLimits apply field-wise when a job leaves them zero.
	DefaultLimits Limits

	// Policy is the static check applied before execution. Nil means
	// DefaultPolicy().
	Policy *Policy
}

// DefaultConfig returns runner defaults.
func DefaultConfig() Config {
	return Config{
		ScratchRoot:    ".kosmos/scratch",
		Image:          "python:3.12-slim",
		DefaultTimeout: 5 * time.Minute,
		MaxTimeout:     30 * time.Minute,
		DefaultLimits: Limits{
			MaxMemoryBytes: 2 << 30,
			MaxProcesses:   64,
			MaxOutputBytes: 10 << 20,
		},
	}
}

// effective merges job limits over config defaults and caps the timeout.
func (c Config) effective(l *Limits) Limits {
	out := c.DefaultLimits
	if l != nil {
		if l.Timeout > 0 {
			out.Timeout = l.Timeout
		}
		if l.MaxMemoryBytes > 0 {
			out.MaxMemoryBytes = l.MaxMemoryBytes
		}
		if l.MaxProcesses > 0 {
			out.MaxProcesses = l.MaxProcesses
		}
		if l.MaxOutputBytes > 0 {
			out.MaxOutputBytes = l.MaxOutputBytes
		}
	}
	if out.Timeout == 0 {
		out.Timeout = c.DefaultTimeout
	}
	if c.MaxTimeout > 0 && out.Timeout > c.MaxTimeout {
		out.Timeout = c.MaxTimeout
	}
	return out
}
