package schema

import "encoding/json"

// SpellDefinition is the resolved, immutable chain of tool steps the engine
// executes. Authoring, versioning and permissions live outside the engine;
// by the time a definition reaches Execute it is read-only.
type SpellDefinition struct {
	SpellID  string         `json:"spell_id"`
	Name     string         `json:"name,omitempty"`
	Steps    []Step         `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Step is one tool invocation within a spell. StepIDs are unique and
// strictly increasing in execution order.
type Step struct {
	StepID             int             `json:"step_id"`
	ToolID             string          `json:"tool_id"`
	ParameterOverrides map[string]any  `json:"parameter_overrides,omitempty"`
	OutputMappings     []OutputMapping `json:"output_mappings,omitempty"`
}

// OutputMapping pipes a field of this step's output into a later step's
// input parameter. SourcePath uses dot/bracket notation against the
// producing step's output payload (e.g. "data.images[0].url").
type OutputMapping struct {
	SourcePath      string `json:"source_path"`
	TargetStepID    int    `json:"target_step_id"`
	TargetParameter string `json:"target_parameter"`
}

// StepByID returns the step with the given id, or nil.
func (s *SpellDefinition) StepByID(stepID int) *Step {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}

// LastStepID returns the id of the final step, or -1 for an empty spell.
func (s *SpellDefinition) LastStepID() int {
	if len(s.Steps) == 0 {
		return -1
	}
	return s.Steps[len(s.Steps)-1].StepID
}

// StepResult is the normalized completion shape the orchestrator consumes,
// whether it came from a synchronous adapter return, a poll tick, or a
// webhook delivery. It is transient and never persisted as its own entity.
type StepResult struct {
	GenerationID  string           `json:"generation_id"`
	StepID        int              `json:"step_id"`
	Status        GenerationStatus `json:"status"`
	Output        json.RawMessage  `json:"output,omitempty"`
	CostUSD       float64          `json:"cost_usd,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Failed reports whether the result is a terminal failure.
func (r *StepResult) Failed() bool {
	return r.Status == GenerationStatusFailed
}
