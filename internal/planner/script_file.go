package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kosmos/internal/research"
)

// scriptFile is the on-disk research script format. Each iteration entry
// becomes one planned batch, in order.
type scriptFile struct {
	Iterations []struct {
		Tasks []scriptTask `yaml:"tasks"`
	} `yaml:"iterations"`
}

type scriptTask struct {
	Kind     string            `yaml:"kind"`
	Priority int               `yaml:"priority"`
	Payload  scriptPayload     `yaml:"payload"`
	Params   map[string]string `yaml:"params"`
}

type scriptPayload struct {
	Description string `yaml:"description"`
	Code        string `yaml:"code"`
	Language    string `yaml:"language"`
	Target      string `yaml:"target"`
}

// LoadScript reads a YAML research script and returns a planner that
// replays its iterations.
func LoadScript(path string) (*ScriptedPlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var script scriptFile
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(script.Iterations) == 0 {
		return nil, fmt.Errorf("script %s defines no iterations", path)
	}

	plans := make([][]TaskSpec, 0, len(script.Iterations))
	for i, iter := range script.Iterations {
		specs := make([]TaskSpec, 0, len(iter.Tasks))
		for j, t := range iter.Tasks {
			kind := research.TaskKind(t.Kind)
			if !kind.Valid() {
				return nil, fmt.Errorf("script iteration %d task %d: unknown kind %q", i, j, t.Kind)
			}
			specs = append(specs, TaskSpec{
				Kind:     kind,
				Priority: t.Priority,
				Payload: research.Payload{
					Description:    t.Payload.Description,
					Code:           t.Payload.Code,
					Language:       t.Payload.Language,
					TargetEntityID: t.Payload.Target,
					Params:         t.Params,
				},
			})
		}
		plans = append(plans, specs)
	}
	return NewScriptedPlanner(plans...), nil
}
