// Package research defines the shared data model of the discovery orchestrator:
// tasks, execution results, research entities, relationships, and budgets.
//
// Tasks are created by the workflow controller at the start of an iteration,
// consumed and finalized by the scheduler and sandbox, and retired into the
// world model as immutable provenance. Entities are append-only: updates
// create a new version and historical versions are never mutated.
package research

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TaskKind is the closed set of work item kinds. Adding a kind is an
// explicit change: every switch over TaskKind must handle all variants.
type TaskKind string

const (
	KindGenerate TaskKind = "generate" // Produce new hypotheses
	KindDesign   TaskKind = "design"   // Design an experiment protocol
	KindExecute  TaskKind = "execute"  // Run generated code in a sandbox
	KindAnalyze  TaskKind = "analyze"  // Analyze an experiment result
	KindValidate TaskKind = "validate" // Validate a hypothesis against results
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindGenerate, KindDesign, KindExecute, KindAnalyze, KindValidate:
		return true
	}
	return false
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskQueued       TaskStatus = "queued"
	TaskRunning      TaskStatus = "running"
	TaskRetryPending TaskStatus = "retry_pending"
	TaskSucceeded    TaskStatus = "succeeded"
	TaskFailed       TaskStatus = "failed"
	TaskTimedOut     TaskStatus = "timed_out"
	TaskCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. A task is
// immutable once terminal.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// Task is one schedulable unit of work. It is owned exclusively by the
// scheduler during its lifetime, then handed to the world model as an
// immutable provenance record.
type Task struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Kind        TaskKind      `json:"kind"`
	Priority    int           `json:"priority"` // Higher runs earlier; FIFO tie-break
	Payload     Payload       `json:"payload"`
	Status      TaskStatus    `json:"status"`
	Attempts    int           `json:"attempt_count"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout_ns,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

// Payload carries the task's inputs. For execute tasks Code holds the
// generated program source; FailureContext accumulates prior attempt
// failures so the planner can self-correct on retry.
type Payload struct {
	Description    string            `json:"description"`
	Code           string            `json:"code,omitempty"`
	Language       string            `json:"language,omitempty"`
	TargetEntityID string            `json:"target_entity_id,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	FailureContext []string          `json:"failure_context,omitempty"`
}

// Signature returns a stable content hash of the payload, used to exclude
// payloads that previously triggered a safety violation from ever being
// scheduled again.
func (p Payload) Signature() string {
	h := sha256.New()
	h.Write([]byte(p.Description))
	h.Write([]byte{0})
	h.Write([]byte(p.Code))
	h.Write([]byte{0})
	h.Write([]byte(p.Language))
	h.Write([]byte{0})
	h.Write([]byte(p.TargetEntityID))
	return hex.EncodeToString(h.Sum(nil))
}

// ExitKind classifies how an execution attempt ended.
type ExitKind string

const (
	ExitOK               ExitKind = "ok"
	ExitError            ExitKind = "error"
	ExitTimeout          ExitKind = "timeout"
	ExitResourceExceeded ExitKind = "resource_exceeded"
	ExitSafetyViolation  ExitKind = "safety_violation"
	ExitCancelled        ExitKind = "cancelled"
)

// Retryable reports whether a failed attempt with this exit kind may be
// retried. Safety violations and cancellations are never retried.
func (e ExitKind) Retryable() bool {
	return e == ExitError || e == ExitTimeout || e == ExitResourceExceeded
}

// ExecutionResult is the outcome of one task attempt. Multiple attempts for
// the same task are linked by TaskID and AttemptIndex.
type ExecutionResult struct {
	TaskID       string         `json:"task_id"`
	AttemptIndex int            `json:"attempt_index"`
	ExitKind     ExitKind       `json:"exit_kind"`
	Stdout       string         `json:"stdout"`
	Stderr       string         `json:"stderr"`
	Artifacts    []ArtifactRef  `json:"artifacts,omitempty"`
	WallTime     time.Duration  `json:"wall_time"`
	Usage        *ResourceUsage `json:"resource_usage,omitempty"`
	Violation    string         `json:"violation,omitempty"` // Structured report for safety_violation
	Err          string         `json:"error,omitempty"`
}

// ArtifactRef references a content-addressed blob in the artifact store.
// Artifacts are referenced by content hash, never embedded inline.
type ArtifactRef struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ResourceUsage contains metrics about resource consumption of an attempt.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// Budget bounds a run. It is read by the controller and the scheduler and
// mutated only by the controller as usage accrues.
type Budget struct {
	MaxIterations    int           `json:"max_iterations"`
	MaxParallelTasks int           `json:"max_parallel_tasks"`
	MaxWallClock     time.Duration `json:"max_wall_clock"`
	MaxCost          float64       `json:"max_cost"`
}

// DefaultBudget returns the stock budget for a run.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations:    10,
		MaxParallelTasks: 10,
		MaxWallClock:     2 * time.Hour,
		MaxCost:          100.0,
	}
}

// TerminationReason records why a run stopped.
type TerminationReason string

const (
	ReasonConverged        TerminationReason = "converged"
	ReasonIterationCap     TerminationReason = "iteration_cap"
	ReasonBudgetExhausted  TerminationReason = "budget_exhausted"
	ReasonCancelled        TerminationReason = "cancelled"
	ReasonIterationTimeout TerminationReason = "iteration_timeout"
	ReasonPlannerFailed    TerminationReason = "planner_failed"
)

// ExitCode maps a termination reason to the process exit code contract.
func (r TerminationReason) ExitCode() int {
	switch r {
	case ReasonConverged, ReasonIterationCap, "":
		return 0
	case ReasonBudgetExhausted:
		return 2
	case ReasonCancelled:
		return 3
	case ReasonIterationTimeout:
		return 124
	default:
		return 1
	}
}
