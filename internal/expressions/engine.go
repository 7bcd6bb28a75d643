package expressions

import "context"

// Engine evaluates expressions against execution state.
// Three implementations: CEL (rule conditions), GoJQ (value queries),
// Expr (complex deterministic logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
