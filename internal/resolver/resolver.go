package resolver

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/pkg/schema"
)

// Resolver computes the concrete input set for one step from the tool's
// defaults, the spell author's overrides, inbound output mappings from
// earlier steps, and caller-supplied runtime overrides. It is a pure
// component: no I/O beyond the catalog lookup, no panics on malformed but
// well-typed input.
type Resolver struct {
	catalog catalog.ToolCatalog
	paths   *PathEvaluator
}

// New creates a Resolver over the given catalog.
func New(cat catalog.ToolCatalog) *Resolver {
	return &Resolver{
		catalog: cat,
		paths:   NewPathEvaluator(),
	}
}

// Resolve produces the input set for step. priorOutputs maps completed step
// ids to their output payloads; runtimeOverrides are the caller's per-cast
// values and win over everything else.
//
// Overlay order (lowest to highest precedence):
// defaults < author overrides < inbound mappings < runtime overrides.
func (r *Resolver) Resolve(ctx context.Context, spell *schema.SpellDefinition, step *schema.Step, priorOutputs map[int]json.RawMessage, runtimeOverrides map[string]any) (map[string]any, error) {
	spec, err := r.catalog.Resolve(step.ToolID)
	if err != nil {
		return nil, err
	}

	input := make(map[string]any, len(spec.DefaultParams)+len(step.ParameterOverrides))
	for k, v := range spec.DefaultParams {
		input[k] = v
	}
	for k, v := range step.ParameterOverrides {
		input[k] = v
	}

	// Inbound mappings: every earlier step whose OutputMappings name this
	// step as target contributes an extracted value. Sources are walked in
	// ascending step order so a deterministic writer wins on collisions.
	if err := r.applyInboundMappings(ctx, spell, step, priorOutputs, input); err != nil {
		return nil, err
	}

	for k, v := range runtimeOverrides {
		input[k] = v
	}

	// Required parameters must be present after all overlays.
	for _, name := range spec.RequiredParams {
		if _, ok := input[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"missing required parameter %q for tool %q", name, step.ToolID).
				WithStep(step.StepID)
		}
	}

	return input, nil
}

func (r *Resolver) applyInboundMappings(ctx context.Context, spell *schema.SpellDefinition, step *schema.Step, priorOutputs map[int]json.RawMessage, input map[string]any) error {
	type inbound struct {
		sourceStepID int
		mapping      schema.OutputMapping
	}

	var mappings []inbound
	for i := range spell.Steps {
		src := &spell.Steps[i]
		if src.StepID >= step.StepID {
			break
		}
		for _, m := range src.OutputMappings {
			if m.TargetStepID == step.StepID {
				mappings = append(mappings, inbound{sourceStepID: src.StepID, mapping: m})
			}
		}
	}
	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].sourceStepID < mappings[j].sourceStepID
	})

	for _, in := range mappings {
		payload, ok := priorOutputs[in.sourceStepID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"mapping source step %d has no recorded output", in.sourceStepID).
				WithStep(step.StepID)
		}
		val, err := r.paths.Extract(ctx, in.mapping.SourcePath, payload)
		if err != nil {
			if castErr, ok := err.(*schema.CastError); ok {
				return castErr.WithStep(step.StepID)
			}
			return err
		}
		input[in.mapping.TargetParameter] = val
	}
	return nil
}
