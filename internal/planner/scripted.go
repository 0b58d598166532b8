package planner

import (
	"context"
	"sync"
)

// ScriptedPlanner replays a fixed sequence of plans, one per call. When the
// script runs out it returns ErrNoTasks. Useful for deterministic runs and
// tests.
type ScriptedPlanner struct {
	mu    sync.Mutex
	plans [][]TaskSpec
	calls int

	// Errs, when set, maps call index to a forced error.
	Errs map[int]error
}

// NewScriptedPlanner creates a planner that returns each plan in order.
func NewScriptedPlanner(plans ...[]TaskSpec) *ScriptedPlanner {
	return &ScriptedPlanner{plans: plans}
}

// Plan returns the next scripted batch.
func (p *ScriptedPlanner) Plan(ctx context.Context, pctx Context) ([]TaskSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := p.calls
	p.calls++

	if err, ok := p.Errs[call]; ok {
		return nil, err
	}
	if call >= len(p.plans) {
		return nil, ErrNoTasks
	}

	// Filter out excluded payloads the way a real planner is told to.
	specs := make([]TaskSpec, 0, len(p.plans[call]))
	for _, spec := range p.plans[call] {
		if pctx.Excluded[spec.Payload.Signature()] {
			continue
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, ErrNoTasks
	}
	return specs, nil
}

// Calls returns how many times Plan was invoked.
func (p *ScriptedPlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
