package validation

import (
	"fmt"

	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/pkg/schema"
)

// validateSemantic checks constraints JSON Schema cannot express: step id
// ordering, tool resolvability, and output mapping targets.
func validateSemantic(spell *schema.SpellDefinition, cat catalog.ToolCatalog) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[int]int, len(spell.Steps)) // step id -> position
	prev := 0
	for i, step := range spell.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		if _, dup := stepIDs[step.StepID]; dup {
			result.AddError(path, "DUPLICATE_STEP_ID",
				fmt.Sprintf("step id %d appears more than once", step.StepID))
		}
		stepIDs[step.StepID] = i

		if step.StepID <= prev {
			result.AddError(path, "STEP_ORDER",
				fmt.Sprintf("step id %d is not strictly increasing", step.StepID))
		}
		prev = step.StepID

		if cat != nil {
			if _, err := cat.Resolve(step.ToolID); err != nil {
				result.AddError(path, "UNKNOWN_TOOL",
					fmt.Sprintf("tool %q is not registered", step.ToolID))
			}
		}
	}

	for i, step := range spell.Steps {
		for j, mapping := range step.OutputMappings {
			path := fmt.Sprintf("steps[%d].output_mappings[%d]", i, j)

			targetPos, exists := stepIDs[mapping.TargetStepID]
			if !exists {
				result.AddError(path, "UNKNOWN_MAPPING_TARGET",
					fmt.Sprintf("mapping targets step %d which does not exist", mapping.TargetStepID))
				continue
			}
			// Mappings flow strictly forward: a step can only feed steps
			// that run after it.
			if targetPos <= i {
				result.AddError(path, "BACKWARD_MAPPING",
					fmt.Sprintf("mapping from step %d targets earlier or same step %d", step.StepID, mapping.TargetStepID))
			}
		}
	}

	return result
}
