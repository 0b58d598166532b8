// Package workflow drives research runs through the discovery cycle:
// plan a task batch, dispatch it to the scheduler, ingest the results into
// the world model, then check convergence and either loop or terminate.
//
// One Controller serves many concurrent runs. Each run owns a RunHandle
// and a single-threaded state machine; runs share the world model and the
// scheduler pool but never each other's state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kosmos/internal/logging"
	"kosmos/internal/planner"
	"kosmos/internal/research"
	"kosmos/internal/scheduler"
	"kosmos/internal/world"
)

// Phase is the per-run state machine position.
type Phase string

const (
	PhasePlanning         Phase = "PLANNING"
	PhaseDispatching      Phase = "DISPATCHING"
	PhaseExecuting        Phase = "EXECUTING"
	PhaseAnalyzing        Phase = "ANALYZING"
	PhaseConvergenceCheck Phase = "CONVERGENCE_CHECK"
	PhaseTerminated       Phase = "TERMINATED"
)

var (
	// ErrRunTerminated is returned when stepping a finished run.
	ErrRunTerminated = errors.New("workflow: run already terminated")

	// ErrUnknownRun is returned for handles this controller does not own.
	ErrUnknownRun = errors.New("workflow: unknown run")
)

// IncidentRecorder receives safety incidents for durable logging.
type IncidentRecorder interface {
	RecordIncident(runID, taskID, violation string) error
}

// Config tunes the controller.
type Config struct {
	// IterationTimeout bounds one batch await. Zero means no bound.
	IterationTimeout time.Duration

	// CostPerTaskSecond converts execution wall time into budget cost.
	CostPerTaskSecond float64

	// Convergence tunes the stopping criteria.
	Convergence ConvergenceConfig

	// Incidents, when set, receives safety violations.
	Incidents IncidentRecorder
}

// DefaultControllerConfig returns the stock controller configuration.
func DefaultControllerConfig() Config {
	return Config{
		IterationTimeout:  30 * time.Minute,
		CostPerTaskSecond: 0.01,
		Convergence:       DefaultConvergenceConfig(),
	}
}

// Controller orchestrates research runs.
type Controller struct {
	config Config
	world  *world.Model
	sched  *scheduler.Scheduler
	plan   planner.Planner

	mu   sync.Mutex
	runs map[string]*RunHandle
}

// NewController wires the controller to its collaborators.
func NewController(config Config, w *world.Model, sched *scheduler.Scheduler, plan planner.Planner) *Controller {
	if config.CostPerTaskSecond <= 0 {
		config.CostPerTaskSecond = 0.01
	}
	return &Controller{
		config: config,
		world:  w,
		sched:  sched,
		plan:   plan,
		runs:   make(map[string]*RunHandle),
	}
}

// RunHandle is the per-run state. All fields behind mu; the state machine
// itself is single-threaded (Step never runs concurrently for one handle),
// but status reads arrive from other goroutines.
type RunHandle struct {
	ID        string
	Objective string
	Budget    research.Budget

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	phase       Phase
	iteration   int
	reason      research.TerminationReason
	criterion   StopReason
	report      *ConvergenceReport
	excluded    map[string]bool
	detector    *ConvergenceDetector
	questionID  string
	costAccrued float64
	experiments int
	lastResults []research.ExecutionResult
	startedAt   time.Time
	stepping    bool
	batch       *scheduler.BatchHandle
}

// Status is a point-in-time snapshot of a run.
type Status struct {
	RunID       string                     `json:"run_id"`
	Objective   string                     `json:"objective"`
	Phase       Phase                      `json:"phase"`
	Iteration   int                        `json:"iteration"`
	Reason      research.TerminationReason `json:"reason,omitempty"`
	CostAccrued float64                    `json:"cost_accrued"`
	Experiments int                        `json:"experiments"`
	Elapsed     time.Duration              `json:"elapsed"`
}

// Status returns the run snapshot.
func (h *RunHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		RunID:       h.ID,
		Objective:   h.Objective,
		Phase:       h.phase,
		Iteration:   h.iteration,
		Reason:      h.reason,
		CostAccrued: h.costAccrued,
		Experiments: h.experiments,
		Elapsed:     time.Since(h.startedAt),
	}
}

// Terminated reports whether the run reached its terminal state.
func (h *RunHandle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase == PhaseTerminated
}

// Reason returns the recorded termination reason, empty while running.
func (h *RunHandle) Reason() research.TerminationReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Report returns the convergence report, nil until the run terminates.
func (h *RunHandle) Report() *ConvergenceReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report
}

// StepReport summarizes one completed iteration.
type StepReport struct {
	Iteration   int                        `json:"iteration"`
	Phase       Phase                      `json:"phase"`
	TasksRun    int                        `json:"tasks_run"`
	NewEntities []string                   `json:"new_entities,omitempty"`
	Terminated  bool                       `json:"terminated"`
	Reason      research.TerminationReason `json:"reason,omitempty"`
}

// StartRun creates a run: records the root research question in the world
// model and hands back a handle in PLANNING.
func (c *Controller) StartRun(ctx context.Context, objective string, budget research.Budget) (*RunHandle, error) {
	if strings.TrimSpace(objective) == "" {
		return nil, errors.New("workflow: empty objective")
	}
	if budget.MaxIterations <= 0 {
		budget = research.DefaultBudget()
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		ID:        uuid.NewString(),
		Objective: objective,
		Budget:    budget,
		ctx:       runCtx,
		cancel:    cancel,
		phase:     PhasePlanning,
		excluded:  make(map[string]bool),
		detector:  NewConvergenceDetector(c.config.Convergence),
		startedAt: time.Now(),
	}

	questionID, err := c.world.Create(research.Entity{
		Kind:   research.KindResearchQuestion,
		Status: research.StatusActive,
		Title:  objective,
		Provenance: research.Provenance{
			Agent: "workflow",
			RunID: h.ID,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to record research question: %w", err)
	}
	h.questionID = questionID

	c.mu.Lock()
	c.runs[h.ID] = h
	c.mu.Unlock()

	logging.Workflow("run %s started: %q (max_iterations=%d max_parallel=%d)",
		h.ID, objective, budget.MaxIterations, budget.MaxParallelTasks)
	return h, nil
}

// Run looks up a handle by run id.
func (c *Controller) Run(runID string) (*RunHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return h, nil
}

// Runs returns the status of every known run.
func (c *Controller) Runs() []Status {
	c.mu.Lock()
	handles := make([]*RunHandle, 0, len(c.runs))
	for _, h := range c.runs {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	return out
}

// Step drives one full iteration of the run's state machine. It returns
// ErrRunTerminated if the run already finished. A task failure inside the
// iteration never fails the step; only fatal conditions terminate the run.
func (c *Controller) Step(ctx context.Context, h *RunHandle) (StepReport, error) {
	h.mu.Lock()
	if h.phase == PhaseTerminated {
		h.mu.Unlock()
		return StepReport{Terminated: true, Reason: h.reason, Phase: PhaseTerminated}, ErrRunTerminated
	}
	if h.stepping {
		h.mu.Unlock()
		return StepReport{}, errors.New("workflow: step already in progress")
	}
	h.stepping = true
	h.iteration++
	iteration := h.iteration
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.stepping = false
		h.mu.Unlock()
	}()

	logging.Workflow("run %s iteration %d begins", h.ID, iteration)

	// PLANNING
	h.setPhase(PhasePlanning)
	specs, err := c.planIteration(ctx, h, iteration)
	if err != nil {
		if errors.Is(err, planner.ErrNoTasks) {
			return c.convergenceCheck(h, iteration, 0, nil)
		}
		logging.WorkflowWarn("run %s planner failed: %v", h.ID, err)
		c.terminate(h, research.ReasonPlannerFailed, "")
		return StepReport{Iteration: iteration, Phase: PhaseTerminated, Terminated: true, Reason: research.ReasonPlannerFailed}, nil
	}

	// DISPATCHING
	h.setPhase(PhaseDispatching)
	tasks := c.buildTasks(h, specs)
	if len(tasks) == 0 {
		return c.convergenceCheck(h, iteration, 0, nil)
	}
	batch, err := c.sched.SubmitBatch(h.ctx, tasks)
	if err != nil {
		if errors.Is(err, scheduler.ErrPoolExhausted) {
			// Policy failure: surfaced, not retried, next Step may resubmit.
			logging.WorkflowWarn("run %s batch rejected: %v", h.ID, err)
			return StepReport{Iteration: iteration, Phase: PhasePlanning}, err
		}
		c.terminate(h, research.ReasonPlannerFailed, "")
		return StepReport{Iteration: iteration, Phase: PhaseTerminated, Terminated: true, Reason: research.ReasonPlannerFailed}, nil
	}
	h.mu.Lock()
	h.batch = batch
	h.mu.Unlock()

	// EXECUTING
	h.setPhase(PhaseExecuting)
	results, err := c.sched.Await(batch, c.config.IterationTimeout)
	if errors.Is(err, scheduler.ErrAwaitTimeout) {
		logging.WorkflowWarn("run %s iteration %d timed out, cancelling batch", h.ID, iteration)
		c.sched.Cancel(batch)
		c.terminate(h, research.ReasonIterationTimeout, "")
		return StepReport{Iteration: iteration, Phase: PhaseTerminated, Terminated: true, Reason: research.ReasonIterationTimeout}, nil
	}
	if h.cancelledExternally() {
		c.terminate(h, research.ReasonCancelled, "")
		return StepReport{Iteration: iteration, Phase: PhaseTerminated, Terminated: true, Reason: research.ReasonCancelled}, nil
	}

	// ANALYZING: ingestion completes before this method returns, so the
	// next iteration's planning always reads a settled world model.
	h.setPhase(PhaseAnalyzing)
	newEntities, err := c.ingestResults(h, tasks, results)
	if err != nil {
		logging.WorkflowWarn("run %s ingestion error: %v", h.ID, err)
	}

	h.mu.Lock()
	h.lastResults = results
	h.experiments += countExecutions(tasks, results)
	for _, res := range results {
		h.costAccrued += res.WallTime.Seconds() * c.config.CostPerTaskSecond
	}
	h.batch = nil
	h.mu.Unlock()

	// CONVERGENCE_CHECK
	report, err := c.convergenceCheck(h, iteration, len(tasks), newEntities)
	return report, err
}

// RunToCompletion steps the run until it terminates and returns the final
// report. Non-fatal step errors (pool exhaustion) back off and retry.
func (c *Controller) RunToCompletion(ctx context.Context, h *RunHandle) (*ConvergenceReport, error) {
	for {
		report, err := c.Step(ctx, h)
		if errors.Is(err, ErrRunTerminated) || report.Terminated {
			return h.Report(), nil
		}
		if errors.Is(err, scheduler.ErrPoolExhausted) {
			select {
			case <-ctx.Done():
				c.Cancel(h)
				return h.Report(), ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err != nil {
			return h.Report(), err
		}
		if ctx.Err() != nil {
			c.Cancel(h)
			return h.Report(), ctx.Err()
		}
	}
}

// Cancel terminates the run from any state with reason cancelled, releasing
// its open batch through the scheduler's cancellation path.
func (c *Controller) Cancel(h *RunHandle) {
	h.mu.Lock()
	if h.phase == PhaseTerminated {
		h.mu.Unlock()
		return
	}
	batch := h.batch
	h.mu.Unlock()

	h.cancel()
	if batch != nil {
		c.sched.Cancel(batch)
	}
	c.terminate(h, research.ReasonCancelled, "")
	logging.Workflow("run %s cancelled", h.ID)
}

// CancelAll cancels every active run. Used by the emergency stop path.
func (c *Controller) CancelAll(reason string) {
	c.mu.Lock()
	handles := make([]*RunHandle, 0, len(c.runs))
	for _, h := range c.runs {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	logging.SafetyWarn("cancelling all runs: %s", reason)
	for _, h := range handles {
		c.Cancel(h)
	}
}

func (c *Controller) planIteration(ctx context.Context, h *RunHandle, iteration int) ([]planner.TaskSpec, error) {
	h.mu.Lock()
	excluded := make(map[string]bool, len(h.excluded))
	for sig := range h.excluded {
		excluded[sig] = true
	}
	recent := h.lastResults
	h.mu.Unlock()

	pctx := planner.Context{
		RunID:     h.ID,
		Objective: h.Objective,
		Iteration: iteration,
		ActiveHypotheses: c.world.Query(world.Filter{
			Kind: research.KindHypothesis, RunID: h.ID,
		}),
		OpenQuestions: c.world.Query(world.Filter{
			Kind: research.KindResearchQuestion, Status: research.StatusActive, RunID: h.ID,
		}),
		RecentResults: recent,
		Excluded:      excluded,
	}

	specs, err := c.plan.Plan(ctx, pctx)
	if err != nil {
		return nil, err
	}

	// Drop excluded payloads and enforce the batch bound.
	kept := specs[:0]
	for _, spec := range specs {
		if excluded[spec.Payload.Signature()] {
			logging.SafetyWarn("run %s: dropped excluded payload from plan", h.ID)
			continue
		}
		kept = append(kept, spec)
	}
	if max := h.Budget.MaxParallelTasks; max > 0 && len(kept) > max {
		kept = kept[:max]
	}
	return kept, nil
}

func (c *Controller) buildTasks(h *RunHandle, specs []planner.TaskSpec) []*research.Task {
	tasks := make([]*research.Task, 0, len(specs))
	for _, spec := range specs {
		tasks = append(tasks, &research.Task{
			ID:       uuid.NewString(),
			RunID:    h.ID,
			Kind:     spec.Kind,
			Priority: spec.Priority,
			Payload:  spec.Payload,
		})
	}
	return tasks
}

// ingestResults writes this iteration's outcomes into the world model in
// parallel. Each result touches distinct entities so per-identifier
// serialization in the model is enough; the group only collects errors.
func (c *Controller) ingestResults(h *RunHandle, tasks []*research.Task, results []research.ExecutionResult) ([]string, error) {
	byID := make(map[string]*research.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var mu sync.Mutex
	var newEntities []string

	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, res := range results {
		res := res
		task, ok := byID[res.TaskID]
		if !ok {
			continue
		}
		// Only terminal attempts produce world state.
		if res.AttemptIndex != task.Attempts {
			continue
		}
		g.Go(func() error {
			ids, err := c.ingestOne(h, task, res)
			if err != nil {
				return err
			}
			mu.Lock()
			newEntities = append(newEntities, ids...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return newEntities, err
}

// ingestOne maps one final attempt result onto entity transitions.
func (c *Controller) ingestOne(h *RunHandle, task *research.Task, res research.ExecutionResult) ([]string, error) {
	switch res.ExitKind {
	case research.ExitSafetyViolation:
		c.recordViolation(h, task, res)
		return nil, nil

	case research.ExitOK:
		return c.ingestSuccess(h, task, res)

	default:
		// Failed terminal attempt: mark the target hypothesis back to
		// active so a future iteration can retest it.
		if target := task.Payload.TargetEntityID; target != "" && task.Status == research.TaskFailed {
			if _, err := c.world.Update(target, research.Delta{
				Status: research.StatusActive,
				Provenance: research.Provenance{
					TaskID: task.ID, Attempt: res.AttemptIndex, Agent: "workflow", RunID: h.ID,
				},
			}); err != nil && !errors.Is(err, world.ErrNotFound) {
				return nil, err
			}
		}
		return nil, nil
	}
}

func (c *Controller) ingestSuccess(h *RunHandle, task *research.Task, res research.ExecutionResult) ([]string, error) {
	var created []string
	prov := research.Provenance{
		TaskID:  task.ID,
		Attempt: res.AttemptIndex,
		Agent:   string(task.Kind),
		RunID:   h.ID,
	}

	switch task.Kind {
	case research.KindGenerate:
		// Each non-empty stdout line is one proposed hypothesis.
		for _, line := range strings.Split(res.Stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			id, err := c.world.Create(research.Entity{
				Kind:       research.KindHypothesis,
				Status:     research.StatusProposed,
				Title:      line,
				Provenance: prov,
			})
			if err != nil {
				return created, err
			}
			if err := c.world.Relate(id, research.RelSpawnedBy, h.questionID); err != nil {
				return created, err
			}
			created = append(created, id)
		}

	case research.KindDesign:
		id, err := c.world.Create(research.Entity{
			Kind:       research.KindExperimentProtocol,
			Status:     research.StatusProposed,
			Title:      task.Payload.Description,
			Body:       res.Stdout,
			Provenance: prov,
		})
		if err != nil {
			return created, err
		}
		created = append(created, id)
		if target := task.Payload.TargetEntityID; target != "" {
			if err := c.world.Relate(id, research.RelTests, target); err != nil {
				return created, err
			}
			if _, err := c.world.Update(target, research.Delta{
				Status: research.StatusTesting, Provenance: prov,
			}); err != nil {
				return created, err
			}
		}

	case research.KindExecute:
		id, err := c.world.Create(research.Entity{
			Kind:       research.KindExperimentResult,
			Status:     research.StatusResolved,
			Title:      task.Payload.Description,
			Body:       res.Stdout,
			Attrs:      artifactAttrs(res.Artifacts),
			Provenance: prov,
		})
		if err != nil {
			return created, err
		}
		created = append(created, id)
		if target := task.Payload.TargetEntityID; target != "" {
			if err := c.world.Relate(id, research.RelTests, target); err != nil {
				return created, err
			}
			if verdict, rel, ok := verdictFromOutput(res.Stdout); ok {
				if err := c.world.Relate(id, rel, target); err != nil {
					return created, err
				}
				if _, err := c.world.Update(target, research.Delta{
					Status: verdict, Provenance: prov,
				}); err != nil {
					return created, err
				}
			}
		}

	case research.KindAnalyze, research.KindValidate:
		if target := task.Payload.TargetEntityID; target != "" {
			if verdict, _, ok := verdictFromOutput(res.Stdout); ok {
				if _, err := c.world.Update(target, research.Delta{
					Status: verdict, Body: res.Stdout, Provenance: prov,
				}); err != nil {
					return created, err
				}
			}
		}
	}
	return created, nil
}

func (c *Controller) recordViolation(h *RunHandle, task *research.Task, res research.ExecutionResult) {
	sig := task.Payload.Signature()
	h.mu.Lock()
	h.excluded[sig] = true
	h.mu.Unlock()

	logging.SafetyWarn("run %s task %s safety violation, payload signature %s excluded",
		h.ID, task.ID, sig[:12])

	if c.config.Incidents != nil {
		if err := c.config.Incidents.RecordIncident(h.ID, task.ID, res.Violation); err != nil {
			logging.SafetyWarn("failed to record incident: %v", err)
		}
	}
}

// convergenceCheck evaluates the detector and either terminates or loops.
func (c *Controller) convergenceCheck(h *RunHandle, iteration, tasksRun int, newEntities []string) (StepReport, error) {
	h.setPhase(PhaseConvergenceCheck)

	h.mu.Lock()
	budget := h.Budget
	cost := h.costAccrued
	experiments := h.experiments
	started := h.startedAt
	h.mu.Unlock()

	hypotheses := c.world.Query(world.Filter{Kind: research.KindHypothesis, RunID: h.ID})

	decision := h.detector.Check(Observation{
		Iteration:      iteration,
		MaxIterations:  budget.MaxIterations,
		Hypotheses:     hypotheses,
		PendingTasks:   tasksRun,
		ExperimentsRun: experiments,
		CostAccrued:    cost,
		MaxCost:        budget.MaxCost,
		Elapsed:        time.Since(started),
		MaxWall:        budget.MaxWallClock,
	})

	report := StepReport{
		Iteration:   iteration,
		TasksRun:    tasksRun,
		NewEntities: newEntities,
	}

	if !decision.ShouldStop {
		h.setPhase(PhasePlanning)
		report.Phase = PhasePlanning
		logging.WorkflowDebug("run %s continues after iteration %d: %s", h.ID, iteration, decision.Details)
		return report, nil
	}

	reason := research.ReasonConverged
	switch decision.Reason {
	case StopIterationLimit:
		reason = research.ReasonIterationCap
	case StopBudgetExhausted:
		reason = research.ReasonBudgetExhausted
	}
	c.terminate(h, reason, decision.Reason)

	report.Phase = PhaseTerminated
	report.Terminated = true
	report.Reason = reason
	return report, nil
}

// terminate moves the run to its terminal state and freezes the report.
// Idempotent: the first reason wins.
func (c *Controller) terminate(h *RunHandle, reason research.TerminationReason, criterion StopReason) {
	hypotheses := c.world.Query(world.Filter{Kind: research.KindHypothesis, RunID: h.ID})

	h.mu.Lock()
	if h.phase == PhaseTerminated {
		h.mu.Unlock()
		return
	}
	h.phase = PhaseTerminated
	h.reason = reason
	h.criterion = criterion
	report := h.detector.buildReport(h.Objective, reason, criterion, h.iteration, hypotheses)
	h.report = &report
	h.mu.Unlock()

	h.cancel()

	// Resolve the root question so world queries reflect the outcome.
	if _, err := c.world.Update(h.questionID, research.Delta{
		Status: research.StatusResolved,
		Provenance: research.Provenance{
			Agent: "workflow", RunID: h.ID,
		},
	}); err != nil {
		logging.WorkflowWarn("run %s: failed to resolve root question: %v", h.ID, err)
	}

	logging.Workflow("run %s terminated: reason=%s iterations=%d", h.ID, reason, h.iteration)
}

func (h *RunHandle) setPhase(p Phase) {
	h.mu.Lock()
	h.phase = p
	h.mu.Unlock()
	logging.WorkflowDebug("run %s phase -> %s", h.ID, p)
}

func (h *RunHandle) cancelledExternally() bool {
	return h.ctx.Err() != nil
}

// verdictFromOutput maps experiment output markers onto hypothesis status.
// The generated analysis code prints one of the markers on its last line.
func verdictFromOutput(stdout string) (research.EntityStatus, research.RelationType, bool) {
	trimmed := strings.TrimSpace(stdout)
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed
	if idx >= 0 {
		last = strings.TrimSpace(trimmed[idx+1:])
	}
	switch {
	case strings.HasPrefix(last, "VERDICT: SUPPORTED"):
		return research.StatusSupported, research.RelSupports, true
	case strings.HasPrefix(last, "VERDICT: REFUTED"):
		return research.StatusRefuted, research.RelRefutes, true
	}
	return "", "", false
}

func artifactAttrs(refs []research.ArtifactRef) map[string]string {
	if len(refs) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(refs))
	for _, ref := range refs {
		attrs["artifact:"+ref.Name] = ref.Hash
	}
	return attrs
}

func countExecutions(tasks []*research.Task, results []research.ExecutionResult) int {
	execIDs := make(map[string]bool)
	for _, t := range tasks {
		if t.Kind == research.KindExecute {
			execIDs[t.ID] = true
		}
	}
	n := 0
	for _, res := range results {
		if execIDs[res.TaskID] {
			n++
		}
	}
	return n
}
