package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/dealflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dealflow.dev/schemas/template.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "stage": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "rules": {
      "type": "array",
      "items": { "$ref": "#/$defs/rule" }
    },
    "created_by": { "type": "string" },
    "created_at": { "type": "string" },
    "active": { "type": "boolean" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "name", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["automated", "manual", "approval"]
        },
        "assigned_role": { "type": "string" },
        "due_in_days": { "type": "integer", "minimum": 0 },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "criterion": { "type": "string" },
        "resources": {
          "type": "array",
          "items": { "$ref": "#/$defs/resource" }
        }
      },
      "additionalProperties": false
    },
    "resource": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["template", "checklist", "document"]
        },
        "name": { "type": "string" },
        "content": { "type": "string" }
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["id", "trigger", "actions"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "trigger": { "type": "string", "minLength": 1 },
        "conditions": {
          "type": "array",
          "items": { "type": "string" }
        },
        "actions": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/action" }
        },
        "active": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["field_update", "notification", "integration"]
        },
        "params": {}
      },
      "additionalProperties": false
    }
  }
}`

// TemplateValidator validates workflow templates at register time using
// JSON Schema Draft 2020-12 plus structural checks the schema cannot
// express. It is safe for concurrent use.
type TemplateValidator struct {
	templateSchema *jsonschema.Schema
}

// NewTemplateValidator creates a TemplateValidator with the template schema
// pre-compiled.
func NewTemplateValidator() (*TemplateValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://dealflow.dev/schemas/template.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	compiled, err := c.Compile("https://dealflow.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &TemplateValidator{templateSchema: compiled}, nil
}

// Validate checks a template against the JSON Schema and the structural
// invariants: unique step ids, dependencies referencing known steps, and no
// forward dependencies. Steps execute in template order with dependencies
// checked only against steps already visited, so a dependency on a later
// step could never be satisfied; such templates are rejected outright.
func (v *TemplateValidator) Validate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize template").WithCause(err)
	}

	if err := v.templateSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return ValidateStructure(tpl)
}

// ValidateStructure runs only the structural checks, without the JSON Schema
// pass. Used directly by the registry when a validator is not configured.
func ValidateStructure(tpl *schema.WorkflowTemplate) error {
	result := &schema.ValidationResult{}

	position := make(map[string]int, len(tpl.Steps))
	for i, step := range tpl.Steps {
		if _, exists := position[step.ID]; exists {
			result.AddError(
				fmt.Sprintf("/steps/%d/id", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID),
			)
			continue
		}
		position[step.ID] = i
	}

	for i, step := range tpl.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			path := fmt.Sprintf("/steps/%d/depends_on", i)
			if dep == step.ID {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on itself", step.ID))
				continue
			}
			if seen[dep] {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q has duplicate dependency %q", step.ID, dep))
				continue
			}
			seen[dep] = true

			pos, known := position[dep]
			if !known {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
				continue
			}
			if pos >= i {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on later step %q: dependencies must reference earlier steps", step.ID, dep))
			}
		}
	}

	ruleIDs := make(map[string]bool, len(tpl.Rules))
	for i, rule := range tpl.Rules {
		if ruleIDs[rule.ID] {
			result.AddError(
				fmt.Sprintf("/rules/%d/id", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate rule id %q", rule.ID),
			)
		}
		ruleIDs[rule.ID] = true
	}

	return result.ToError()
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

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
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
