package automation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/journal"
	"github.com/rendis/dealflow/internal/logging"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/pkg/schema"
)

// EventAppender records rule and action outcomes in the execution journal.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev *journal.Event) error
}

// FieldWriter applies field_update actions to the opportunity record. The
// engine only reads opportunity state; writes go through this collaborator.
type FieldWriter interface {
	UpdateField(ctx context.Context, opportunityID, field string, value any) error
}

// IntegrationInvoker carries out integration actions against an external
// service verb.
type IntegrationInvoker interface {
	Invoke(ctx context.Context, service, operation string, params map[string]any) error
}

// Engine evaluates a template's automation rules against execution events.
// Conditions are CEL expressions over the opportunity/execution/steps
// scopes; every condition of a rule must evaluate to true for its actions
// to run. Action failures are recorded and logged but never escalate to the
// execution: a broken rule must not take down the workflow it decorates.
type Engine struct {
	conditions   expressions.Engine
	queries      expressions.Engine
	interp       *expressions.Interpolator
	notifier     notify.Notifier
	appender     EventAppender
	fields       FieldWriter
	integrations IntegrationInvoker
	logger       *slog.Logger
}

// NewEngine creates an automation rule engine. fields and integrations may
// be nil; the corresponding action kinds then fail softly with a journal
// entry. conditions defaults to CEL when nil.
func NewEngine(conditions expressions.Engine, notifier notify.Notifier, appender EventAppender, fields FieldWriter, integrations IntegrationInvoker, logger *slog.Logger) (*Engine, error) {
	if conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		conditions = cel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		conditions:   conditions,
		queries:      expressions.NewGoJQEngine(),
		interp:       expressions.NewInterpolator(),
		notifier:     notifier,
		appender:     appender,
		fields:       fields,
		integrations: integrations,
		logger:       logger,
	}, nil
}

// Fire evaluates every active rule on the template whose trigger matches
// the event and applies the actions of those whose conditions all hold.
// stepID identifies the completed step for step_completed events and is
// empty for all_steps_completed.
func (e *Engine) Fire(ctx context.Context, trigger, stepID string, tpl *schema.WorkflowTemplate, exec *schema.WorkflowExecution, opp *schema.Opportunity) {
	if tpl == nil || exec == nil {
		return
	}

	scope := expressions.NewScope(opp, exec)
	for _, r := range exec.Results {
		if r.Status == schema.ResultStatusCompleted {
			scope.AddStepOutput(r.StepID, r.Output)
		}
	}
	data := scope.Data()

	for i := range tpl.Rules {
		rule := &tpl.Rules[i]
		if !rule.Active || rule.Trigger != trigger {
			continue
		}
		if !e.conditionsHold(ctx, rule, data) {
			continue
		}

		e.record(ctx, exec.ID, stepID, schema.EventRuleMatched, rule.ID)
		logging.LogWith(ctx, e.logger).InfoContext(ctx, "automation rule matched",
			slog.String("rule_id", rule.ID),
			slog.String("trigger", trigger))

		for j := range rule.Actions {
			action := &rule.Actions[j]
			if err := e.apply(ctx, action, scope, exec, opp); err != nil {
				e.record(ctx, exec.ID, stepID, schema.EventActionFailed, rule.ID)
				logging.LogWith(ctx, e.logger).WarnContext(ctx, "automation action failed",
					slog.String("rule_id", rule.ID),
					slog.String("action_kind", string(action.Kind)),
					slog.String("error", err.Error()))
				continue
			}
			e.record(ctx, exec.ID, stepID, schema.EventActionApplied, rule.ID)
		}
	}
}

// conditionsHold evaluates every condition of the rule; a condition that
// errors or yields a non-true value fails the rule.
func (e *Engine) conditionsHold(ctx context.Context, rule *schema.AutomationRule, data map[string]any) bool {
	for _, cond := range rule.Conditions {
		out, err := e.conditions.Evaluate(ctx, cond, data)
		if err != nil {
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "rule condition error",
				slog.String("rule_id", rule.ID),
				slog.String("condition", cond),
				slog.String("error", err.Error()))
			return false
		}
		ok, isBool := out.(bool)
		if !isBool || !ok {
			return false
		}
	}
	return true
}

func (e *Engine) record(ctx context.Context, executionID, stepID, eventType, ruleID string) {
	if e.appender == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"rule_id": ruleID})
	ev := &journal.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := e.appender.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "journal append failed",
			slog.String("error", err.Error()))
	}
}
