package validation

import (
	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/pkg/schema"
)

// SpellValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step ordering, tool refs, mapping targets)
// 3. Per-tool input schema, applied to each step's resolved input at
//    execution time via ValidateToolInput
type SpellValidator struct {
	jsonSchema *JSONSchemaValidator
	catalog    catalog.ToolCatalog
}

// NewSpellValidator creates a SpellValidator.
// cat may be nil to skip tool existence checks.
func NewSpellValidator(cat catalog.ToolCatalog) (*SpellValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &SpellValidator{
		jsonSchema: jsv,
		catalog:    cat,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped.
func (sv *SpellValidator) Validate(spell *schema.SpellDefinition) *schema.ValidationResult {
	if spell == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "spell definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(sv.jsonSchema, spell)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(spell, sv.catalog))
	return result
}

// ValidateDefinition returns the pipeline outcome as an error.
func (sv *SpellValidator) ValidateDefinition(spell *schema.SpellDefinition) error {
	return sv.Validate(spell).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (sv *SpellValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return sv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateToolInput checks a step's resolved input against the tool's
// declared input schema. Tools without a schema, or an absent catalog,
// accept any input.
func (sv *SpellValidator) ValidateToolInput(toolID string, input map[string]any) error {
	if sv.catalog == nil {
		return nil
	}
	spec, err := sv.catalog.Resolve(toolID)
	if err != nil {
		return err
	}
	if len(spec.InputSchema) == 0 {
		return nil
	}
	return sv.jsonSchema.ValidateInput(input, spec.InputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, spell *schema.SpellDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(spell)
	if err == nil {
		return result
	}

	castErr, ok := err.(*schema.CastError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if castErr.Details != nil {
		if violations, ok := castErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, castErr.Message)
	return result
}
