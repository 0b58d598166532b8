package workflow

import (
	"fmt"
	"strings"
	"time"

	"kosmos/internal/logging"
	"kosmos/internal/research"
)

// StopReason identifies which criterion stopped a run.
type StopReason string

const (
	StopIterationLimit       StopReason = "iteration_limit"
	StopNoTestableHypotheses StopReason = "no_testable_hypotheses"
	StopBudgetExhausted      StopReason = "budget_exhausted"
	StopNoveltyDecline       StopReason = "novelty_decline"
	StopDiminishingReturns   StopReason = "diminishing_returns"
)

// StoppingDecision is the verdict of one criterion check.
type StoppingDecision struct {
	ShouldStop bool       `json:"should_stop"`
	Reason     StopReason `json:"reason"`
	Mandatory  bool       `json:"mandatory"`
	Details    string     `json:"details"`
}

// ConvergenceMetrics tracks per-iteration health of a run.
type ConvergenceMetrics struct {
	DiscoveryRate    float64   `json:"discovery_rate"` // Supported / tested
	NoveltyScore     float64   `json:"novelty_score"`  // Fraction of new hypotheses this window
	NoveltyTrend     []float64 `json:"novelty_trend"`
	SaturationRatio  float64   `json:"saturation_ratio"` // Tested / total hypotheses
	TotalHypotheses  int       `json:"total_hypotheses"`
	HypothesesTested int       `json:"hypotheses_tested"`
	TotalExperiments int       `json:"total_experiments"`
	Supported        int       `json:"supported"`
	Refuted          int       `json:"refuted"`
	CostAccrued      float64   `json:"cost_accrued"`
}

// ConvergenceConfig tunes the optional criteria.
type ConvergenceConfig struct {
	NoveltyDeclineThreshold  float64
	NoveltyDeclineWindow     int
	CostPerDiscoveryCeiling  float64
	EnableNoveltyDecline     bool
	EnableDiminishingReturns bool
}

// DefaultConvergenceConfig enables both optional criteria with the stock
// thresholds.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		NoveltyDeclineThreshold:  0.3,
		NoveltyDeclineWindow:     5,
		CostPerDiscoveryCeiling:  1000.0,
		EnableNoveltyDecline:     true,
		EnableDiminishingReturns: true,
	}
}

// ConvergenceDetector decides when a run should stop. Mandatory criteria
// (iteration limit, hypothesis exhaustion, budget) always apply; optional
// criteria (novelty decline, diminishing returns) can be disabled per run.
// No criterion may stop a run that has not produced a single hypothesis.
type ConvergenceDetector struct {
	config  ConvergenceConfig
	metrics ConvergenceMetrics

	seenHypotheses map[string]bool
}

// NewConvergenceDetector creates a detector.
func NewConvergenceDetector(config ConvergenceConfig) *ConvergenceDetector {
	if config.NoveltyDeclineWindow <= 0 {
		config.NoveltyDeclineWindow = 5
	}
	if config.NoveltyDeclineThreshold <= 0 {
		config.NoveltyDeclineThreshold = 0.3
	}
	return &ConvergenceDetector{
		config:         config,
		seenHypotheses: make(map[string]bool),
	}
}

// Observation is the per-iteration input to the detector.
type Observation struct {
	Iteration     int
	MaxIterations int

	// Hypotheses is every hypothesis entity, latest versions.
	Hypotheses []research.Entity

	// PendingTasks is queued or running work for the next iteration.
	PendingTasks int

	// ExperimentsRun is the cumulative count of execute attempts.
	ExperimentsRun int

	// Budget state.
	CostAccrued float64
	MaxCost     float64
	Elapsed     time.Duration
	MaxWall     time.Duration
}

// Check evaluates all criteria and returns the first firing decision, or a
// non-stopping decision when the run should continue.
func (d *ConvergenceDetector) Check(obs Observation) StoppingDecision {
	d.updateMetrics(obs)

	checks := []StoppingDecision{
		d.checkIterationLimit(obs),
		d.checkHypothesisExhaustion(obs),
		d.checkBudget(obs),
	}
	if d.config.EnableNoveltyDecline {
		checks = append(checks, d.checkNoveltyDecline(obs))
	}
	if d.config.EnableDiminishingReturns {
		checks = append(checks, d.checkDiminishingReturns(obs))
	}

	for _, decision := range checks {
		if decision.ShouldStop {
			logging.Workflow("convergence: stopping on %s (%s)", decision.Reason, decision.Details)
			return decision
		}
	}
	return StoppingDecision{ShouldStop: false, Details: "all criteria passing"}
}

// Metrics returns the current metric snapshot.
func (d *ConvergenceDetector) Metrics() ConvergenceMetrics {
	m := d.metrics
	m.NoveltyTrend = append([]float64(nil), d.metrics.NoveltyTrend...)
	return m
}

func (d *ConvergenceDetector) checkIterationLimit(obs Observation) StoppingDecision {
	return StoppingDecision{
		ShouldStop: obs.MaxIterations > 0 && obs.Iteration >= obs.MaxIterations,
		Reason:     StopIterationLimit,
		Mandatory:  true,
		Details:    fmt.Sprintf("iteration %d/%d", obs.Iteration, obs.MaxIterations),
	}
}

// checkHypothesisExhaustion fires when no untested hypotheses remain and no
// work is queued. It never fires before the run has produced its first
// hypothesis: an empty pool at iteration zero means the run has not started
// exploring, not that it finished.
func (d *ConvergenceDetector) checkHypothesisExhaustion(obs Observation) StoppingDecision {
	if len(obs.Hypotheses) == 0 {
		return StoppingDecision{
			ShouldStop: false,
			Reason:     StopNoTestableHypotheses,
			Mandatory:  true,
			Details:    "no hypotheses generated yet",
		}
	}
	untested := 0
	for _, h := range obs.Hypotheses {
		if !terminalHypothesis(h.Status) {
			untested++
		}
	}
	return StoppingDecision{
		ShouldStop: untested == 0 && obs.PendingTasks == 0,
		Reason:     StopNoTestableHypotheses,
		Mandatory:  true,
		Details:    fmt.Sprintf("%d untested hypotheses, %d pending tasks", untested, obs.PendingTasks),
	}
}

func (d *ConvergenceDetector) checkBudget(obs Observation) StoppingDecision {
	cost := obs.MaxCost > 0 && obs.CostAccrued >= obs.MaxCost
	wall := obs.MaxWall > 0 && obs.Elapsed >= obs.MaxWall
	return StoppingDecision{
		ShouldStop: cost || wall,
		Reason:     StopBudgetExhausted,
		Mandatory:  true,
		Details: fmt.Sprintf("cost %.2f/%.2f, elapsed %s/%s",
			obs.CostAccrued, obs.MaxCost, obs.Elapsed.Round(time.Second), obs.MaxWall),
	}
}

func (d *ConvergenceDetector) checkNoveltyDecline(obs Observation) StoppingDecision {
	trend := d.metrics.NoveltyTrend
	if len(obs.Hypotheses) == 0 || len(trend) < d.config.NoveltyDeclineWindow {
		return StoppingDecision{
			ShouldStop: false,
			Reason:     StopNoveltyDecline,
			Details:    fmt.Sprintf("insufficient data (%d/%d points)", len(trend), d.config.NoveltyDeclineWindow),
		}
	}
	recent := trend[len(trend)-d.config.NoveltyDeclineWindow:]
	allBelow := true
	for _, v := range recent {
		if v >= d.config.NoveltyDeclineThreshold {
			allBelow = false
			break
		}
	}
	return StoppingDecision{
		ShouldStop: allBelow,
		Reason:     StopNoveltyDecline,
		Details: fmt.Sprintf("recent novelty %v, threshold %.2f",
			recent, d.config.NoveltyDeclineThreshold),
	}
}

func (d *ConvergenceDetector) checkDiminishingReturns(obs Observation) StoppingDecision {
	if d.metrics.Supported == 0 {
		return StoppingDecision{
			ShouldStop: false,
			Reason:     StopDiminishingReturns,
			Details:    "no discoveries yet, cost per discovery undefined",
		}
	}
	costPer := obs.CostAccrued / float64(d.metrics.Supported)
	return StoppingDecision{
		ShouldStop: costPer > d.config.CostPerDiscoveryCeiling,
		Reason:     StopDiminishingReturns,
		Details: fmt.Sprintf("cost per discovery %.2f (ceiling %.2f)",
			costPer, d.config.CostPerDiscoveryCeiling),
	}
}

func (d *ConvergenceDetector) updateMetrics(obs Observation) {
	m := &d.metrics
	m.TotalHypotheses = len(obs.Hypotheses)
	m.TotalExperiments = obs.ExperimentsRun
	m.CostAccrued = obs.CostAccrued

	tested, supported, refuted, newThisRound := 0, 0, 0, 0
	for _, h := range obs.Hypotheses {
		switch h.Status {
		case research.StatusSupported:
			supported++
			tested++
		case research.StatusRefuted:
			refuted++
			tested++
		case research.StatusArchived:
			tested++
		}
		if !d.seenHypotheses[h.ID] {
			d.seenHypotheses[h.ID] = true
			newThisRound++
		}
	}
	m.HypothesesTested = tested
	m.Supported = supported
	m.Refuted = refuted

	if tested > 0 {
		m.DiscoveryRate = float64(supported) / float64(tested)
	}
	if len(obs.Hypotheses) > 0 {
		m.SaturationRatio = float64(tested) / float64(len(obs.Hypotheses))
		m.NoveltyScore = float64(newThisRound) / float64(len(obs.Hypotheses))
	} else {
		m.NoveltyScore = 0
	}
	m.NoveltyTrend = append(m.NoveltyTrend, m.NoveltyScore)
}

func terminalHypothesis(s research.EntityStatus) bool {
	switch s {
	case research.StatusSupported, research.StatusRefuted, research.StatusArchived:
		return true
	}
	return false
}

// ConvergenceReport is the terminal summary of a run.
type ConvergenceReport struct {
	Objective            string                     `json:"objective"`
	Converged            bool                       `json:"converged"`
	Reason               research.TerminationReason `json:"reason"`
	StoppingCriterion    StopReason                 `json:"stopping_criterion,omitempty"`
	TotalIterations      int                        `json:"total_iterations"`
	TotalHypotheses      int                        `json:"total_hypotheses"`
	Supported            []string                   `json:"supported_hypotheses"`
	Refuted              []string                   `json:"refuted_hypotheses"`
	ExperimentsConducted int                        `json:"experiments_conducted"`
	FinalMetrics         ConvergenceMetrics         `json:"final_metrics"`
	RecommendedNextSteps []string                   `json:"recommended_next_steps"`
	Summary              string                     `json:"summary"`
	GeneratedAt          time.Time                  `json:"generated_at"`
}

// buildReport assembles the terminal report for a run.
func (d *ConvergenceDetector) buildReport(objective string, reason research.TerminationReason, criterion StopReason, iterations int, hypotheses []research.Entity) ConvergenceReport {
	var supported, refuted []string
	for _, h := range hypotheses {
		switch h.Status {
		case research.StatusSupported:
			supported = append(supported, h.Title)
		case research.StatusRefuted:
			refuted = append(refuted, h.Title)
		}
	}

	m := d.Metrics()
	untested := m.TotalHypotheses - m.HypothesesTested

	var sb strings.Builder
	fmt.Fprintf(&sb, "Research on %q stopped after %d iteration(s): %s.\n",
		objective, iterations, reason)
	fmt.Fprintf(&sb, "Generated %d hypotheses, ran %d experiments: %d supported, %d refuted, %d untested.\n",
		m.TotalHypotheses, m.TotalExperiments, len(supported), len(refuted), untested)
	fmt.Fprintf(&sb, "Discovery rate %.1f%%, final novelty %.2f, saturation %.1f%%.",
		m.DiscoveryRate*100, m.NoveltyScore, m.SaturationRatio*100)

	var steps []string
	if len(supported) > 0 {
		steps = append(steps, "Replicate supported hypotheses with larger experiments")
	}
	if untested > 0 {
		steps = append(steps, fmt.Sprintf("Test the remaining %d hypotheses", untested))
	}
	if m.NoveltyScore > 0.7 {
		steps = append(steps, "Explore adjacent high-novelty areas")
	}
	if m.HypothesesTested > 0 && m.DiscoveryRate < 0.2 {
		steps = append(steps, "Refine the experimental approach to raise the discovery rate")
	}
	if len(steps) == 0 {
		steps = append(steps, "Broaden the objective and restart with a fresh question pool")
	}

	return ConvergenceReport{
		Objective:            objective,
		Converged:            reason == research.ReasonConverged,
		Reason:               reason,
		StoppingCriterion:    criterion,
		TotalIterations:      iterations,
		TotalHypotheses:      m.TotalHypotheses,
		Supported:            supported,
		Refuted:              refuted,
		ExperimentsConducted: m.TotalExperiments,
		FinalMetrics:         m,
		RecommendedNextSteps: steps,
		Summary:              sb.String(),
		GeneratedAt:          time.Now().UTC(),
	}
}
