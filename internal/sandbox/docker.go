package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"kosmos/internal/logging"
)

// DockerRunner executes jobs inside disposable Docker containers with no
// network, a read-only root filesystem, and hard memory and pid limits.
type DockerRunner struct {
	config     Config
	policy     *Policy
	dockerPath string
	available  bool
}

// NewDockerRunner creates a Docker runner and probes for a responsive
// Docker daemon.
func NewDockerRunner(config Config) *DockerRunner {
	policy := config.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	r := &DockerRunner{config: config, policy: policy}
	r.detectDocker()
	return r
}

func (r *DockerRunner) detectDocker() {
	path, err := exec.LookPath("docker")
	if err != nil {
		logging.SandboxDebug("docker binary not found: %v", err)
		return
	}
	r.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		logging.SandboxDebug("docker daemon not responsive: %v", err)
		return
	}
	r.available = true
	logging.Sandbox("docker runner available (binary=%s, image=%s)", path, r.config.Image)
}

// IsAvailable reports whether a responsive Docker daemon was found.
func (r *DockerRunner) IsAvailable() bool {
	return r.available
}

// Execute runs the job in a fresh container. The container is removed
// before Execute returns, including on timeout.
func (r *DockerRunner) Execute(ctx context.Context, job Job) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "docker execution")
	defer timer.Stop()

	if !r.available {
		return nil, fmt.Errorf("docker is not available on this system")
	}

	if v := r.policy.Check(job.Code); v != nil {
		return reject(job, ModeDocker, v), nil
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

	containerName := "kosmos-" + job.TaskID + "-" + strconv.Itoa(job.AttemptIndex)
	args := r.buildDockerArgs(job, limits, scratch, containerName)

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.dockerPath, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: limits.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: limits.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	result := &Result{
		ExitCode:   -1,
		Mode:       ModeDocker,
		ScratchDir: scratch,
	}

	logging.Sandbox("executing task %s attempt %d (docker, image=%s, timeout=%s)",
		job.TaskID, job.AttemptIndex, r.config.Image, limits.Timeout)

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
			// --rm only fires on clean exit; force-remove the container so
			// nothing survives the kill.
			r.forceRemove(containerName)
			logging.SandboxDebug("task %s container removed after timeout", job.TaskID)
		case execCtx.Err() == context.Canceled:
			result.Cancelled = true
			r.forceRemove(containerName)
			logging.SandboxDebug("task %s container removed after cancellation", job.TaskID)
		default:
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
				// Docker reports OOM kills as exit code 137.
				if result.ExitCode == 137 {
					result.OOMKilled = true
				}
			} else {
				return nil, fmt.Errorf("failed to start docker: %w", runErr)
			}
		}
	} else {
		result.ExitCode = 0
	}

	result.WrittenFiles = collectWrittenFiles(scratch, script)

	logging.Sandbox("task %s attempt %d finished: exit=%d timedOut=%v oom=%v duration=%s",
		job.TaskID, job.AttemptIndex, result.ExitCode, result.TimedOut, result.OOMKilled, result.Duration)

	return result, nil
}

// buildDockerArgs constructs the docker run invocation.
func (r *DockerRunner) buildDockerArgs(job Job, limits Limits, scratch, name string) []string {
	args := []string{"run", "--rm", "--name", name}

	args = append(args, "--network", "none")
	args = append(args, "--read-only")
	args = append(args, "--tmpfs", "/tmp:size=100m")
	args = append(args, "--security-opt", "no-new-privileges")
	args = append(args, "--cap-drop", "ALL")

	if limits.MaxMemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(limits.MaxMemoryBytes, 10))
	}
	if limits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(limits.MaxProcesses))
	}

	abs, err := filepath.Abs(scratch)
	if err != nil {
		abs = scratch
	}
	args = append(args, "-v", fmt.Sprintf("%s:/work:rw", abs))

	input := job.InputDir
	if input == "" {
		input = r.config.InputDir
	}
	if input != "" {
		if absIn, err := filepath.Abs(input); err == nil {
			input = absIn
		}
		args = append(args, "-v", fmt.Sprintf("%s:/input:ro", input))
		args = append(args, "-e", "KOSMOS_INPUT_DIR=/input")
	}

	args = append(args, "-w", "/work")
	args = append(args, "-e", "PYTHONDONTWRITEBYTECODE=1")
	for _, env := range job.Env {
		args = append(args, "-e", env)
	}

	image := r.config.Image
	if image == "" {
		image = "python:3.12-slim"
	}
	args = append(args, image, "python3", "-I", "/work/job.py")
	return args
}

// forceRemove removes a container that outlived its timeout. Best effort,
// bounded so teardown cannot hang the worker.
func (r *DockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.dockerPath, "rm", "-f", name).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such container") {
		logging.SandboxDebug("failed to remove container %s: %v (%s)", name, err, strings.TrimSpace(string(out)))
	}
}

func (r *DockerRunner) makeScratch(job Job) (string, error) {
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

// NewRunner selects a runner by mode. Docker mode falls back with an error
// rather than silently degrading to the host process.
func NewRunner(mode Mode, config Config) (Runner, error) {
	switch mode {
	case ModeProcess:
		return NewProcessRunner(config), nil
	case ModeDocker:
		r := NewDockerRunner(config)
		if !r.IsAvailable() {
			return nil, fmt.Errorf("sandbox mode %q requested but docker is unavailable", mode)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}
}
