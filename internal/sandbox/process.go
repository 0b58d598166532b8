package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"kosmos/internal/logging"
)

// ProcessRunner executes jobs as a host process. Isolation is best-effort:
// resource limits via the interpreter and process-group teardown on timeout,
// with the static policy check carrying the safety load. Use DockerRunner
// when real isolation is required.
type ProcessRunner struct {
	config Config
	policy *Policy
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(config Config) *ProcessRunner {
	policy := config.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &ProcessRunner{config: config, policy: policy}
}

// Execute runs the job as a host process.
func (r *ProcessRunner) Execute(ctx context.Context, job Job) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "process execution")
	defer timer.Stop()

	if v := r.policy.Check(job.Code); v != nil {
		return reject(job, ModeProcess, v), nil
	}

	limits := r.config.effective(job.Limits)

	scratch, err := r.makeScratch(job)
	if err != nil {
		return nil, err
	}

	script := filepath.Join(scratch, "job.py")
	if err := os.WriteFile(script, []byte(job.Code), 0644); err != nil {
		return nil, fmt.Errorf("failed to write job script: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	interpreter := "python3"
	if job.Language != "" && job.Language != "python" {
		return nil, fmt.Errorf("unsupported language %q", job.Language)
	}

	cmd := exec.CommandContext(execCtx, interpreter, "-I", script)
	cmd.Dir = scratch
	cmd.Env = r.buildEnvironment(job, scratch)
	setProcessGroup(cmd)
	// CommandContext alone kills only the direct child; take the whole
	// process group down so grandchildren cannot outlive the attempt.
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: limits.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: limits.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	result := &Result{
		ExitCode:   -1,
		Mode:       ModeProcess,
		ScratchDir: scratch,
	}

	logging.Sandbox("executing task %s attempt %d (process, timeout=%s)",
		job.TaskID, job.AttemptIndex, limits.Timeout)

	result.StartedAt = time.Now()
	runErr := cmd.Run()
	result.Duration = time.Since(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Truncated = stdoutLimited.truncated || stderrLimited.truncated

	if runErr != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			result.TimedOut = true
			logging.SandboxDebug("task %s killed after %s", job.TaskID, limits.Timeout)
		case execCtx.Err() == context.Canceled:
			result.Cancelled = true
		default:
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
			} else {
				return nil, fmt.Errorf("failed to start job process: %w", runErr)
			}
		}
	} else {
		result.ExitCode = 0
	}

	result.Usage = processUsage(cmd)
	result.WrittenFiles = collectWrittenFiles(scratch, script)

	logging.Sandbox("task %s attempt %d finished: exit=%d timedOut=%v duration=%s",
		job.TaskID, job.AttemptIndex, result.ExitCode, result.TimedOut, result.Duration)

	return result, nil
}

// makeScratch creates the per-attempt working directory.
func (r *ProcessRunner) makeScratch(job Job) (string, error) {
	dir := filepath.Join(r.config.ScratchRoot,
		job.TaskID+"-"+strconv.Itoa(job.AttemptIndex))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, nil
}

// buildEnvironment returns a minimal environment. Nothing from the host
// environment leaks in except PATH.
func (r *ProcessRunner) buildEnvironment(job Job, scratch string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"PYTHONDONTWRITEBYTECODE=1",
	}
	input := job.InputDir
	if input == "" {
		input = r.config.InputDir
	}
	if input != "" {
		env = append(env, "KOSMOS_INPUT_DIR="+input)
	}
	return append(env, job.Env...)
}

// collectWrittenFiles lists files the job created in its scratch dir,
// relative paths, excluding the job script itself.
func collectWrittenFiles(scratch, script string) []string {
	var files []string
	filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || path == script {
			return nil
		}
		if rel, relErr := filepath.Rel(scratch, path); relErr == nil {
			files = append(files, rel)
		}
		return nil
	})
	return files
}

// limitedWriter caps total bytes written, discarding the rest while
// reporting full writes so the child never sees a short-write error.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max <= 0 {
		written, err := lw.w.Write(p)
		lw.written += int64(written)
		return written, err
	}
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
