package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kosmos/internal/research"
)

type countingPlanner struct {
	calls int
	errs  []error
	specs []TaskSpec
}

func (p *countingPlanner) Plan(ctx context.Context, pctx Context) ([]TaskSpec, error) {
	call := p.calls
	p.calls++
	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	return p.specs, nil
}

func TestRetryingPlannerRecoversFromTransientFailure(t *testing.T) {
	inner := &countingPlanner{
		errs:  []error{errors.New("upstream 503"), errors.New("upstream 503")},
		specs: []TaskSpec{{Kind: research.KindGenerate}},
	}
	p := &RetryingPlanner{Inner: inner, MaxAttempts: 3, BaseDelay: time.Millisecond}

	specs, err := p.Plan(context.Background(), Context{RunID: "r1"})
	require.NoError(t, err)
	assert.Len(t, specs, 1)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingPlannerGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("permanent failure")
	inner := &countingPlanner{errs: []error{boom, boom, boom}}
	p := &RetryingPlanner{Inner: inner, MaxAttempts: 3, BaseDelay: time.Millisecond}

	_, err := p.Plan(context.Background(), Context{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingPlannerPassesThroughNoTasks(t *testing.T) {
	inner := &countingPlanner{errs: []error{ErrNoTasks}}
	p := NewRetryingPlanner(inner)

	_, err := p.Plan(context.Background(), Context{})
	assert.ErrorIs(t, err, ErrNoTasks)
	assert.Equal(t, 1, inner.calls, "convergence signal is not retried")
}

func TestRetryingPlannerStopsOnCancelledContext(t *testing.T) {
	inner := &countingPlanner{errs: []error{errors.New("flaky"), errors.New("flaky")}}
	p := &RetryingPlanner{Inner: inner, MaxAttempts: 5, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Plan(ctx, Context{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "backoff aborts on cancellation")
}

func TestScriptedPlannerReplaysThenExhausts(t *testing.T) {
	p := NewScriptedPlanner(
		[]TaskSpec{{Kind: research.KindGenerate, Payload: research.Payload{Description: "first"}}},
		[]TaskSpec{{Kind: research.KindExecute, Payload: research.Payload{Description: "second"}}},
	)

	specs, err := p.Plan(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, "first", specs[0].Payload.Description)

	specs, err = p.Plan(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, "second", specs[0].Payload.Description)

	_, err = p.Plan(context.Background(), Context{})
	assert.ErrorIs(t, err, ErrNoTasks)
	assert.Equal(t, 3, p.Calls())
}

func TestScriptedPlannerFiltersExcludedPayloads(t *testing.T) {
	banned := research.Payload{Description: "unsafe", Code: "import os"}
	ok := research.Payload{Description: "safe", Code: "print(1)"}
	p := NewScriptedPlanner([]TaskSpec{
		{Kind: research.KindExecute, Payload: banned},
		{Kind: research.KindExecute, Payload: ok},
	})

	specs, err := p.Plan(context.Background(), Context{
		Excluded: map[string]bool{banned.Signature(): true},
	})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "safe", specs[0].Payload.Description)
}

func TestScriptedPlannerAllExcludedMeansNoTasks(t *testing.T) {
	banned := research.Payload{Description: "unsafe"}
	p := NewScriptedPlanner([]TaskSpec{{Kind: research.KindExecute, Payload: banned}})

	_, err := p.Plan(context.Background(), Context{
		Excluded: map[string]bool{banned.Signature(): true},
	})
	assert.ErrorIs(t, err, ErrNoTasks)
}

func TestScriptedPlannerForcedError(t *testing.T) {
	boom := errors.New("scripted failure")
	p := NewScriptedPlanner([]TaskSpec{{Kind: research.KindGenerate}})
	p.Errs = map[int]error{0: boom}

	_, err := p.Plan(context.Background(), Context{})
	assert.ErrorIs(t, err, boom)
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	script := `iterations:
  - tasks:
      - kind: generate
        priority: 5
        payload:
          description: propose hypotheses
        params:
          output: "hypothesis one"
  - tasks:
      - kind: execute
        priority: 3
        payload:
          description: run experiment
          language: python
          target: hyp-1
          code: |
            print("VERDICT: SUPPORTED")
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))

	p, err := LoadScript(path)
	require.NoError(t, err)

	specs, err := p.Plan(context.Background(), Context{})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, research.KindGenerate, specs[0].Kind)
	assert.Equal(t, 5, specs[0].Priority)
	assert.Equal(t, "hypothesis one", specs[0].Payload.Params["output"])

	specs, err = p.Plan(context.Background(), Context{})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, research.KindExecute, specs[0].Kind)
	assert.Equal(t, "hyp-1", specs[0].Payload.TargetEntityID)
	assert.Contains(t, specs[0].Payload.Code, "VERDICT: SUPPORTED")
}

func TestLoadScriptRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`iterations:
  - tasks:
      - kind: daydream
        payload:
          description: nope
`), 0o644))

	_, err := LoadScript(path)
	assert.ErrorContains(t, err, "unknown kind")
}

func TestLoadScriptRejectsEmptyScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iterations: []\n"), 0o644))

	_, err := LoadScript(path)
	assert.ErrorContains(t, err, "no iterations")

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
