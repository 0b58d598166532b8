// Package planner defines the external planning capability: given the
// current state of a run, propose the next batch of tasks. The orchestrator
// is planner-agnostic; anything implementing Planner can drive a run.
package planner

import (
	"context"
	"errors"
	"time"

	"kosmos/internal/logging"
	"kosmos/internal/research"
)

// ErrNoTasks is returned when the planner has nothing to propose. The
// controller treats it as a convergence signal, not a failure.
var ErrNoTasks = errors.New("planner: no tasks to propose")

// Context is the planning input for one iteration.
type Context struct {
	RunID     string
	Objective string
	Iteration int

	// ActiveHypotheses are hypotheses not yet supported or refuted.
	ActiveHypotheses []research.Entity

	// OpenQuestions are unresolved research questions.
	OpenQuestions []research.Entity

	// RecentResults are the previous iteration's execution results.
	RecentResults []research.ExecutionResult

	// Excluded are payload signatures that must never be proposed again.
	Excluded map[string]bool
}

// TaskSpec is a proposed task before the scheduler assigns identity.
type TaskSpec struct {
	Kind     research.TaskKind
	Priority int
	Payload  research.Payload
}

// Planner proposes the next batch of tasks for a run.
type Planner interface {
	Plan(ctx context.Context, pctx Context) ([]TaskSpec, error)
}

// RetryingPlanner wraps a planner with bounded retries and exponential
// backoff. Planner calls go over the network; transient failures should
// not kill a run.
type RetryingPlanner struct {
	Inner       Planner
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryingPlanner wraps inner with the stock retry policy.
func NewRetryingPlanner(inner Planner) *RetryingPlanner {
	return &RetryingPlanner{
		Inner:       inner,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Plan calls the wrapped planner, retrying on failure. ErrNoTasks and
// context cancellation pass through without retry.
func (p *RetryingPlanner) Plan(ctx context.Context, pctx Context) ([]TaskSpec, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		specs, err := p.Inner.Plan(ctx, pctx)
		if err == nil {
			return specs, nil
		}
		if errors.Is(err, ErrNoTasks) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logging.PlannerWarn("plan attempt %d/%d for run %s failed: %v",
			attempt, attempts, pctx.RunID, err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return nil, lastErr
}
