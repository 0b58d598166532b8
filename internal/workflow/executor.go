package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"kosmos/internal/artifact"
	"kosmos/internal/logging"
	"kosmos/internal/research"
	"kosmos/internal/sandbox"
)

// Agent performs cognitive task kinds (generate, design, analyze,
// validate): work that calls out to an external reasoning service rather
// than running code. Execute tasks never reach the agent.
type Agent interface {
	Perform(ctx context.Context, task *research.Task) (stdout string, err error)
}

// ParamsAgent is a deterministic agent: it answers with the task payload's
// "output" parameter, falling back to the description. Used by scripted
// runs and tests; real deployments plug in a reasoning service instead.
type ParamsAgent struct{}

// Perform returns the scripted output for the task.
func (ParamsAgent) Perform(ctx context.Context, task *research.Task) (string, error) {
	if out, ok := task.Payload.Params["output"]; ok {
		return out, nil
	}
	return task.Payload.Description, nil
}

// TaskExecutor adapts tasks onto their backends: execute tasks run in the
// sandbox with artifacts collected into the content-addressed store, all
// other kinds go to the agent. It implements scheduler.Executor.
type TaskExecutor struct {
	Sandbox   sandbox.Runner
	Artifacts *artifact.Store
	Agent     Agent
}

// Execute runs one task attempt.
func (e *TaskExecutor) Execute(ctx context.Context, task *research.Task) (*research.ExecutionResult, error) {
	if task.Kind == research.KindExecute {
		return e.executeSandboxed(ctx, task)
	}
	if e.Agent == nil {
		return nil, fmt.Errorf("no agent configured for %s tasks", task.Kind)
	}
	stdout, err := e.Agent.Perform(ctx, task)
	if err != nil {
		return &research.ExecutionResult{
			ExitKind: research.ExitError,
			Err:      err.Error(),
		}, nil
	}
	return &research.ExecutionResult{
		ExitKind: research.ExitOK,
		Stdout:   stdout,
	}, nil
}

func (e *TaskExecutor) executeSandboxed(ctx context.Context, task *research.Task) (*research.ExecutionResult, error) {
	if e.Sandbox == nil {
		return nil, fmt.Errorf("no sandbox configured for execute tasks")
	}
	if task.Payload.Code == "" {
		return &research.ExecutionResult{
			ExitKind: research.ExitError,
			Err:      "execute task has no code",
		}, nil
	}

	job := sandbox.Job{
		TaskID:       task.ID,
		AttemptIndex: task.Attempts,
		Code:         task.Payload.Code,
		Language:     task.Payload.Language,
	}
	if task.Timeout > 0 {
		job.Limits = &sandbox.Limits{Timeout: task.Timeout}
	}

	res, err := e.Sandbox.Execute(ctx, job)
	if err != nil {
		return nil, err
	}

	out := &research.ExecutionResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		WallTime: res.Duration,
	}
	if res.Usage != nil {
		out.Usage = &research.ResourceUsage{
			UserTimeMs:   res.Usage.UserTimeMs,
			SystemTimeMs: res.Usage.SystemTimeMs,
			MaxRSSBytes:  res.Usage.MaxRSSBytes,
		}
	}

	switch {
	case res.Violation != nil:
		out.ExitKind = research.ExitSafetyViolation
		out.Violation = res.Violation.Report()
	case res.Cancelled:
		out.ExitKind = research.ExitCancelled
	case res.TimedOut:
		out.ExitKind = research.ExitTimeout
	case res.OOMKilled:
		out.ExitKind = research.ExitResourceExceeded
	case res.ExitCode == 0:
		out.ExitKind = research.ExitOK
		out.Artifacts = e.collectArtifacts(res)
	default:
		out.ExitKind = research.ExitError
		out.Err = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return out, nil
}

// collectArtifacts moves the job's written files into the content-addressed
// store and returns references. Collection failures are logged, not fatal:
// the result itself already carries the stdout the analysis needs.
func (e *TaskExecutor) collectArtifacts(res *sandbox.Result) []research.ArtifactRef {
	if e.Artifacts == nil || len(res.WrittenFiles) == 0 {
		return nil
	}
	var refs []research.ArtifactRef
	for _, rel := range res.WrittenFiles {
		path := filepath.Join(res.ScratchDir, rel)
		content, err := os.ReadFile(path)
		if err != nil {
			logging.SandboxDebug("failed to read artifact %s: %v", rel, err)
			continue
		}
		hash, err := e.Artifacts.Put(content)
		if err != nil {
			logging.SandboxDebug("failed to store artifact %s: %v", rel, err)
			continue
		}
		refs = append(refs, research.ArtifactRef{
			Name: rel,
			Hash: hash,
			Size: int64(len(content)),
		})
	}
	return refs
}
