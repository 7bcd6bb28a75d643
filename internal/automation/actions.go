package automation

import (
	"context"
	"encoding/json"

	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/pkg/schema"
)

// fieldUpdateParams writes a named field on the opportunity. Exactly one of
// Value (literal) or ValueQuery (a jq expression over the execution scope)
// supplies the new value.
type fieldUpdateParams struct {
	Field      string          `json:"field"`
	Value      json.RawMessage `json:"value,omitempty"`
	ValueQuery string          `json:"value_query,omitempty"`
}

// notificationParams enqueues a message to named recipients. Message may
// contain ${{...}} interpolation tokens.
type notificationParams struct {
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
}

// integrationParams invokes a named external service verb.
type integrationParams struct {
	Service   string         `json:"service"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

func (e *Engine) apply(ctx context.Context, action *schema.AutomationAction, scope *expressions.Scope, exec *schema.WorkflowExecution, opp *schema.Opportunity) error {
	switch action.Kind {
	case schema.ActionKindFieldUpdate:
		return e.applyFieldUpdate(ctx, action.Params, scope, opp)
	case schema.ActionKindNotification:
		return e.applyNotification(ctx, action.Params, scope, exec)
	case schema.ActionKindIntegration:
		return e.applyIntegration(ctx, action.Params)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", action.Kind)
	}
}

func (e *Engine) applyFieldUpdate(ctx context.Context, raw json.RawMessage, scope *expressions.Scope, opp *schema.Opportunity) error {
	if e.fields == nil {
		return schema.NewError(schema.ErrCodeValidation, "no field writer configured")
	}
	var p fieldUpdateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid field_update params").WithCause(err)
	}
	if p.Field == "" {
		return schema.NewError(schema.ErrCodeValidation, "field_update requires a field name")
	}

	var value any
	switch {
	case p.ValueQuery != "":
		out, err := e.queries.Evaluate(ctx, p.ValueQuery, scope.Data())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "value_query %q failed", p.ValueQuery).WithCause(err)
		}
		value = out
	case len(p.Value) > 0:
		if err := json.Unmarshal(p.Value, &value); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "invalid field_update value").WithCause(err)
		}
	default:
		return schema.NewError(schema.ErrCodeValidation, "field_update requires value or value_query")
	}

	return e.fields.UpdateField(ctx, opp.ID, p.Field, value)
}

func (e *Engine) applyNotification(ctx context.Context, raw json.RawMessage, scope *expressions.Scope, exec *schema.WorkflowExecution) error {
	if e.notifier == nil {
		return schema.NewError(schema.ErrCodeValidation, "no notifier configured")
	}
	var p notificationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid notification params").WithCause(err)
	}

	message, err := e.interp.Render(p.Message, scope)
	if err != nil {
		return err
	}
	return e.notifier.Notify(ctx, notify.Notification{
		ExecutionID: exec.ID,
		Message:     message,
		Recipients:  p.Recipients,
	})
}

func (e *Engine) applyIntegration(ctx context.Context, raw json.RawMessage) error {
	if e.integrations == nil {
		return schema.NewError(schema.ErrCodeValidation, "no integration invoker configured")
	}
	var p integrationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid integration params").WithCause(err)
	}
	if p.Service == "" || p.Operation == "" {
		return schema.NewError(schema.ErrCodeValidation, "integration requires service and operation")
	}
	return e.integrations.Invoke(ctx, p.Service, p.Operation, p.Params)
}
