package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kosmos/internal/research"
)

func hypothesis(id string, status research.EntityStatus) research.Entity {
	return research.Entity{
		ID:     id,
		Kind:   research.KindHypothesis,
		Status: status,
		Title:  "hypothesis " + id,
	}
}

func TestConvergenceContinuesWhileWorkRemains(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	decision := d.Check(Observation{
		Iteration:     2,
		MaxIterations: 10,
		Hypotheses: []research.Entity{
			hypothesis("h1", research.StatusActive),
			hypothesis("h2", research.StatusSupported),
		},
		PendingTasks: 1,
	})
	assert.False(t, decision.ShouldStop)
}

func TestConvergenceIterationLimit(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	decision := d.Check(Observation{
		Iteration:     10,
		MaxIterations: 10,
		Hypotheses:    []research.Entity{hypothesis("h1", research.StatusActive)},
		PendingTasks:  3,
	})
	require.True(t, decision.ShouldStop)
	assert.Equal(t, StopIterationLimit, decision.Reason)
	assert.True(t, decision.Mandatory)
}

func TestConvergenceExhaustionNeverFiresWithZeroHypotheses(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	// An empty pool before generation must not read as converged.
	decision := d.Check(Observation{
		Iteration:     1,
		MaxIterations: 10,
		Hypotheses:    nil,
		PendingTasks:  0,
	})
	assert.False(t, decision.ShouldStop, "zero hypotheses is premature, not converged")
}

func TestConvergenceHypothesisExhaustion(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	decision := d.Check(Observation{
		Iteration:     3,
		MaxIterations: 10,
		Hypotheses: []research.Entity{
			hypothesis("h1", research.StatusSupported),
			hypothesis("h2", research.StatusRefuted),
			hypothesis("h3", research.StatusArchived),
		},
		PendingTasks: 0,
	})
	require.True(t, decision.ShouldStop)
	assert.Equal(t, StopNoTestableHypotheses, decision.Reason)

	// Same pool but with queued work: not exhausted.
	d2 := NewConvergenceDetector(DefaultConvergenceConfig())
	decision = d2.Check(Observation{
		Iteration:     3,
		MaxIterations: 10,
		Hypotheses: []research.Entity{
			hypothesis("h1", research.StatusSupported),
		},
		PendingTasks: 2,
	})
	assert.False(t, decision.ShouldStop)
}

func TestConvergenceBudgetExhausted(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	decision := d.Check(Observation{
		Iteration:     2,
		MaxIterations: 10,
		Hypotheses:    []research.Entity{hypothesis("h1", research.StatusActive)},
		PendingTasks:  1,
		CostAccrued:   101.0,
		MaxCost:       100.0,
	})
	require.True(t, decision.ShouldStop)
	assert.Equal(t, StopBudgetExhausted, decision.Reason)

	d2 := NewConvergenceDetector(DefaultConvergenceConfig())
	decision = d2.Check(Observation{
		Iteration:     2,
		MaxIterations: 10,
		Hypotheses:    []research.Entity{hypothesis("h1", research.StatusActive)},
		PendingTasks:  1,
		Elapsed:       3 * time.Hour,
		MaxWall:       2 * time.Hour,
	})
	require.True(t, decision.ShouldStop)
	assert.Equal(t, StopBudgetExhausted, decision.Reason)
}

func TestConvergenceNoveltyDecline(t *testing.T) {
	config := DefaultConvergenceConfig()
	config.NoveltyDeclineWindow = 3
	d := NewConvergenceDetector(config)

	pool := []research.Entity{
		hypothesis("h1", research.StatusActive),
		hypothesis("h2", research.StatusActive),
		hypothesis("h3", research.StatusActive),
		hypothesis("h4", research.StatusActive),
	}

	// First check sees everything as new: novelty 1.0.
	decision := d.Check(Observation{Iteration: 1, MaxIterations: 100, Hypotheses: pool, PendingTasks: 1})
	assert.False(t, decision.ShouldStop)

	// Repeated checks with no new hypotheses drive novelty to zero; after
	// the window fills with sub-threshold points the criterion fires.
	var last StoppingDecision
	for i := 2; i <= 5; i++ {
		last = d.Check(Observation{Iteration: i, MaxIterations: 100, Hypotheses: pool, PendingTasks: 1})
		if last.ShouldStop {
			break
		}
	}
	require.True(t, last.ShouldStop)
	assert.Equal(t, StopNoveltyDecline, last.Reason)
	assert.False(t, last.Mandatory)
}

func TestConvergenceNoveltyDeclineDisabled(t *testing.T) {
	config := DefaultConvergenceConfig()
	config.NoveltyDeclineWindow = 2
	config.EnableNoveltyDecline = false
	d := NewConvergenceDetector(config)

	pool := []research.Entity{hypothesis("h1", research.StatusActive)}
	for i := 1; i <= 6; i++ {
		decision := d.Check(Observation{Iteration: i, MaxIterations: 100, Hypotheses: pool, PendingTasks: 1})
		assert.False(t, decision.ShouldStop, "iteration %d", i)
	}
}

func TestConvergenceDiminishingReturns(t *testing.T) {
	config := DefaultConvergenceConfig()
	config.EnableNoveltyDecline = false
	config.CostPerDiscoveryCeiling = 50.0
	d := NewConvergenceDetector(config)

	pool := []research.Entity{
		hypothesis("h1", research.StatusSupported),
		hypothesis("h2", research.StatusActive),
	}

	decision := d.Check(Observation{
		Iteration: 2, MaxIterations: 100,
		Hypotheses: pool, PendingTasks: 1,
		CostAccrued: 40.0,
	})
	assert.False(t, decision.ShouldStop, "cost per discovery 40 under ceiling 50")

	decision = d.Check(Observation{
		Iteration: 3, MaxIterations: 100,
		Hypotheses: pool, PendingTasks: 1,
		CostAccrued: 80.0,
	})
	require.True(t, decision.ShouldStop)
	assert.Equal(t, StopDiminishingReturns, decision.Reason)
}

func TestConvergenceDiminishingReturnsNeedsADiscovery(t *testing.T) {
	config := DefaultConvergenceConfig()
	config.EnableNoveltyDecline = false
	config.CostPerDiscoveryCeiling = 1.0
	d := NewConvergenceDetector(config)

	decision := d.Check(Observation{
		Iteration: 2, MaxIterations: 100,
		Hypotheses:   []research.Entity{hypothesis("h1", research.StatusActive)},
		PendingTasks: 1,
		CostAccrued:  500.0,
	})
	assert.False(t, decision.ShouldStop, "cost per discovery is undefined with zero discoveries")
}

func TestConvergenceMetricsTracking(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	d.Check(Observation{
		Iteration: 1, MaxIterations: 100, PendingTasks: 1,
		Hypotheses: []research.Entity{
			hypothesis("h1", research.StatusSupported),
			hypothesis("h2", research.StatusRefuted),
			hypothesis("h3", research.StatusActive),
			hypothesis("h4", research.StatusActive),
		},
		ExperimentsRun: 7,
		CostAccrued:    12.5,
	})

	m := d.Metrics()
	assert.Equal(t, 4, m.TotalHypotheses)
	assert.Equal(t, 2, m.HypothesesTested)
	assert.Equal(t, 1, m.Supported)
	assert.Equal(t, 1, m.Refuted)
	assert.Equal(t, 7, m.TotalExperiments)
	assert.InDelta(t, 0.5, m.DiscoveryRate, 1e-9)
	assert.InDelta(t, 0.5, m.SaturationRatio, 1e-9)
	assert.InDelta(t, 1.0, m.NoveltyScore, 1e-9, "all hypotheses new on first sight")
	assert.InDelta(t, 12.5, m.CostAccrued, 1e-9)
	require.Len(t, m.NoveltyTrend, 1)
}

func TestBuildReportContents(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	pool := []research.Entity{
		hypothesis("h1", research.StatusSupported),
		hypothesis("h2", research.StatusRefuted),
		hypothesis("h3", research.StatusActive),
	}
	d.Check(Observation{Iteration: 4, MaxIterations: 100, Hypotheses: pool, PendingTasks: 1, ExperimentsRun: 9})

	report := d.buildReport("does sorting degrade past 1e6 rows", research.ReasonConverged,
		StopNoTestableHypotheses, 4, pool)

	assert.True(t, report.Converged)
	assert.Equal(t, research.ReasonConverged, report.Reason)
	assert.Equal(t, StopNoTestableHypotheses, report.StoppingCriterion)
	assert.Equal(t, 4, report.TotalIterations)
	assert.Equal(t, []string{"hypothesis h1"}, report.Supported)
	assert.Equal(t, []string{"hypothesis h2"}, report.Refuted)
	assert.Equal(t, 9, report.ExperimentsConducted)
	assert.Contains(t, report.Summary, "does sorting degrade past 1e6 rows")
	assert.NotEmpty(t, report.RecommendedNextSteps)
	assert.Contains(t, report.RecommendedNextSteps, "Replicate supported hypotheses with larger experiments")
	assert.Contains(t, report.RecommendedNextSteps, fmt.Sprintf("Test the remaining %d hypotheses", 1))
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestBuildReportNoProgressRecommendsRestart(t *testing.T) {
	d := NewConvergenceDetector(DefaultConvergenceConfig())

	report := d.buildReport("dead end", research.ReasonIterationCap, StopIterationLimit, 10, nil)
	assert.False(t, report.Converged)
	assert.Equal(t, []string{"Broaden the objective and restart with a fresh question pool"},
		report.RecommendedNextSteps)
}
