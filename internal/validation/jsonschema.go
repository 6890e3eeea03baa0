package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/spellcast/pkg/schema"
)

// spellSchemaJSON is the JSON Schema for SpellDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const spellSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://spellcast.dev/schemas/spell.json",
  "type": "object",
  "required": ["spell_id", "steps"],
  "properties": {
    "spell_id": {
      "type": "string",
      "minLength": 1
    },
    "name": {
      "type": "string"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_id", "tool_id"],
      "properties": {
        "step_id": {
          "type": "integer",
          "minimum": 1
        },
        "tool_id": {
          "type": "string",
          "minLength": 1
        },
        "parameter_overrides": {
          "type": "object"
        },
        "output_mappings": {
          "type": "array",
          "items": { "$ref": "#/$defs/output_mapping" }
        }
      },
      "additionalProperties": false
    },
    "output_mapping": {
      "type": "object",
      "required": ["source_path", "target_step_id", "target_parameter"],
      "properties": {
        "source_path": {
          "type": "string",
          "minLength": 1
        },
        "target_step_id": {
          "type": "integer",
          "minimum": 1
        },
        "target_parameter": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates spell definitions and tool inputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	spellSchema *jsonschema.Schema

	// mu guards the cache for dynamic input schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the spell schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(spellSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal spell schema: %w", err)
	}
	if err := c.AddResource("https://spellcast.dev/schemas/spell.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add spell schema resource: %w", err)
	}

	compiled, err := c.Compile("https://spellcast.dev/schemas/spell.json")
	if err != nil {
		return nil, fmt.Errorf("compile spell schema: %w", err)
	}

	return &JSONSchemaValidator{
		spellSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a SpellDefinition against the spell JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(spell *schema.SpellDefinition) error {
	if spell == nil {
		return schema.NewError(schema.ErrCodeValidation, "spell definition is nil")
	}

	doc, err := toJSONValue(spell)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize spell definition").WithCause(err)
	}

	if err := v.spellSchema.Validate(doc); err != nil {
		return toCastError(err)
	}
	return nil
}

// ValidateInput validates a resolved step input against a tool's input schema.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toCastError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("spellcast://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCastError converts a jsonschema.ValidationError into a CastError with
// clear, actionable messages.
func toCastError(err error) *schema.CastError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
