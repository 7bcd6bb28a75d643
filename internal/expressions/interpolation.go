package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/dealflow/pkg/schema"
)

// Scope holds all data available for variable resolution.
type Scope struct {
	Opportunity map[string]any // opportunity fields (title, value, stage, ...)
	Execution   map[string]any // execution metadata (id, status, cursor, ...)
	Steps       map[string]any // step ID -> output (unmarshalled)
}

// NewScope builds a Scope from the subject opportunity and execution snapshot.
// Step outputs are added as completed steps accumulate.
func NewScope(opp *schema.Opportunity, exec *schema.WorkflowExecution) *Scope {
	s := &Scope{
		Opportunity: map[string]any{},
		Execution:   map[string]any{},
		Steps:       map[string]any{},
	}
	if opp != nil {
		s.Opportunity["id"] = opp.ID
		s.Opportunity["title"] = opp.Title
		s.Opportunity["value"] = opp.Value
		s.Opportunity["stage"] = opp.Stage
		for k, v := range opp.Extra {
			// Core fields win over Extra on collision.
			if _, exists := s.Opportunity[k]; !exists {
				s.Opportunity[k] = v
			}
		}
	}
	if exec != nil {
		s.Execution["id"] = exec.ID
		s.Execution["template_id"] = exec.TemplateID
		s.Execution["opportunity_id"] = exec.OpportunityID
		s.Execution["status"] = string(exec.Status)
		s.Execution["cursor"] = exec.Cursor
		s.Execution["started_by"] = exec.StartedBy
	}
	return s
}

// AddStepOutput records a completed step's output under steps.<id>.output.
// Raw JSON is unmarshalled so field paths can traverse into it.
func (s *Scope) AddStepOutput(stepID string, output json.RawMessage) {
	if len(output) == 0 {
		return
	}
	var v any
	if err := json.Unmarshal(output, &v); err != nil {
		v = string(output)
	}
	s.Steps[stepID] = v
}

// Data returns the scope as a flat map for expression engines.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"opportunity": s.Opportunity,
		"execution":   s.Execution,
		"steps":       s.Steps,
	}
}

// Interpolator resolves ${{...}} references in template resource content.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render scans content for ${{...}} tokens and substitutes resolved values.
// Supported namespaces: opportunity.*, execution.*, steps.<id>.output[.<field>...].
func (interp *Interpolator) Render(content string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(content))

	i := 0
	for i < len(content) {
		// Look for ${{ marker.
		idx := strings.Index(content[i:], "${{")
		if idx == -1 {
			result.WriteString(content[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(content[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(content[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(content[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(stringifyInline(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "opportunity.title".
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "opportunity":
		return interp.resolveNamespace(scope.Opportunity, expr, "opportunity")
	case "execution":
		return interp.resolveNamespace(scope.Execution, expr, "execution")
	case "steps":
		return interp.resolveSteps(expr, scope)
	default:
		available := []string{"opportunity", "execution", "steps"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<id>.output[.<field>...] references.
func (interp *Interpolator) resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<id>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	output, ok := scope.Steps[stepID]
	if !ok {
		available := mapKeys(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in ${{%s}}; available steps: [%s]", stepID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	// steps.<id>.output — return the whole output.
	if len(parts) == 3 {
		return output, nil
	}

	return interp.traversePath(output, parts[3], expr)
}

// resolveNamespace resolves a dot-delimited field path from a namespace map.
func (interp *Interpolator) resolveNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid %s reference %q: expected %s.<field>", namespace, expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// stringifyInline converts a resolved value into its inline text representation.
// Strings are embedded as-is; complex types are JSON-encoded inline.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation checks if content contains any ${{...}} references.
func HasInterpolation(content string) bool {
	return strings.Contains(content, "${{")
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
