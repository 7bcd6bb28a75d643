package automation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/journal"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/pkg/schema"
)

type fieldWrite struct {
	opportunityID string
	field         string
	value         any
}

type mockFieldWriter struct {
	mu     sync.Mutex
	writes []fieldWrite
	err    error
}

func (m *mockFieldWriter) UpdateField(_ context.Context, opportunityID, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, fieldWrite{opportunityID, field, value})
	return nil
}

type integrationCall struct {
	service   string
	operation string
	params    map[string]any
}

type mockInvoker struct {
	mu    sync.Mutex
	calls []integrationCall
	err   error
}

func (m *mockInvoker) Invoke(_ context.Context, service, operation string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, integrationCall{service, operation, params})
	return nil
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func fixtureExec() *schema.WorkflowExecution {
	return &schema.WorkflowExecution{
		ID:            "exec-1",
		TemplateID:    "qualify-v1",
		OpportunityID: "opp-1",
		Status:        schema.ExecutionStatusCompleted,
		Results: []schema.StepResult{
			{StepID: "enrich", Status: schema.ResultStatusCompleted, Output: json.RawMessage(`{"score": 87}`)},
			{StepID: "skipped", Status: schema.ResultStatusSkipped},
		},
	}
}

func fixtureOpp() *schema.Opportunity {
	return &schema.Opportunity{ID: "opp-1", Title: "Acme expansion", Value: 82000, Stage: "qualification"}
}

func fixtureTemplate(rules ...schema.AutomationRule) *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:    "qualify-v1",
		Name:  "Qualify",
		Steps: []schema.WorkflowStep{{ID: "enrich", Name: "Enrich", Kind: schema.StepKindAutomated}},
		Rules: rules,
	}
}

func eventTypes(t *testing.T, jnl *journal.MemoryJournal, execID string) []string {
	t.Helper()
	events, err := jnl.Events(context.Background(), execID, 0)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestFireMatchesTriggerAndAppliesNotification(t *testing.T) {
	rec := notify.NewRecorder()
	jnl := journal.NewMemoryJournal()
	eng, err := NewEngine(nil, rec, jnl, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "notify-close",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{{
			Kind: schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{
				Message:    "deal ${{ opportunity.title }} finished at ${{ opportunity.value }}",
				Recipients: []string{"sales-ops"},
			}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "exec-1", sent[0].ExecutionID)
	assert.Equal(t, "deal Acme expansion finished at 82000", sent[0].Message)
	assert.Equal(t, []string{"sales-ops"}, sent[0].Recipients)

	assert.Equal(t, []string{schema.EventRuleMatched, schema.EventActionApplied},
		eventTypes(t, jnl, "exec-1"))
}

func TestFireIgnoresNonMatchingTrigger(t *testing.T) {
	rec := notify.NewRecorder()
	eng, err := NewEngine(nil, rec, nil, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "on-step",
		Trigger: schema.TriggerStepCompleted,
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "step done"}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())
	assert.Empty(t, rec.Sent())
}

func TestFireSkipsInactiveRules(t *testing.T) {
	rec := notify.NewRecorder()
	eng, err := NewEngine(nil, rec, nil, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "dormant",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "never"}),
		}},
		Active: false,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())
	assert.Empty(t, rec.Sent())
}

func TestConditionsGateActions(t *testing.T) {
	rec := notify.NewRecorder()
	eng, err := NewEngine(nil, rec, nil, nil, nil, nil)
	require.NoError(t, err)

	bigDeal := schema.AutomationRule{
		ID:         "big-deal",
		Trigger:    schema.TriggerAllStepsCompleted,
		Conditions: []string{`opportunity.value >= 50000.0`},
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "big"}),
		}},
		Active: true,
	}
	smallDeal := schema.AutomationRule{
		ID:         "small-deal",
		Trigger:    schema.TriggerAllStepsCompleted,
		Conditions: []string{`opportunity.value < 50000.0`},
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "small"}),
		}},
		Active: true,
	}

	tpl := fixtureTemplate(bigDeal, smallDeal)
	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "big", sent[0].Message)
}

func TestAllConditionsMustHold(t *testing.T) {
	rec := notify.NewRecorder()
	eng, err := NewEngine(nil, rec, nil, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "both",
		Trigger: schema.TriggerAllStepsCompleted,
		Conditions: []string{
			`opportunity.value >= 50000.0`,
			`opportunity.stage == "closed_won"`,
		},
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "never"}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())
	assert.Empty(t, rec.Sent())
}

func TestConditionsWithExprEngine(t *testing.T) {
	rec := notify.NewRecorder()
	eng, err := NewEngine(expressions.NewExprEngine(), rec, nil, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(
		schema.AutomationRule{
			ID:         "expr-gate",
			Trigger:    schema.TriggerAllStepsCompleted,
			Conditions: []string{`opportunity.value >= 50000 && steps?.enrich?.score > 80`},
			Actions: []schema.AutomationAction{{
				Kind:   schema.ActionKindNotification,
				Params: rawParams(t, notificationParams{Message: "expr matched"}),
			}},
			Active: true,
		},
		schema.AutomationRule{
			ID:         "expr-miss",
			Trigger:    schema.TriggerAllStepsCompleted,
			Conditions: []string{`opportunity.stage == "closed_won"`},
			Actions: []schema.AutomationAction{{
				Kind:   schema.ActionKindNotification,
				Params: rawParams(t, notificationParams{Message: "never"}),
			}},
			Active: true,
		},
	)

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "expr matched", sent[0].Message)
}

func TestConditionErrorFailsRule(t *testing.T) {
	rec := notify.NewRecorder()
	jnl := journal.NewMemoryJournal()
	eng, err := NewEngine(nil, rec, jnl, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:         "broken",
		Trigger:    schema.TriggerAllStepsCompleted,
		Conditions: []string{`this is not CEL ((`},
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "never"}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())
	assert.Empty(t, rec.Sent())
	assert.Empty(t, eventTypes(t, jnl, "exec-1"), "a failed rule never reaches the journal")
}

func TestFieldUpdateWithLiteralValue(t *testing.T) {
	fields := &mockFieldWriter{}
	eng, err := NewEngine(nil, nil, nil, fields, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "advance-stage",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{{
			Kind: schema.ActionKindFieldUpdate,
			Params: rawParams(t, fieldUpdateParams{
				Field: "stage",
				Value: json.RawMessage(`"proposal"`),
			}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	require.Len(t, fields.writes, 1)
	assert.Equal(t, "opp-1", fields.writes[0].opportunityID)
	assert.Equal(t, "stage", fields.writes[0].field)
	assert.Equal(t, "proposal", fields.writes[0].value)
}

func TestFieldUpdateWithValueQuery(t *testing.T) {
	fields := &mockFieldWriter{}
	eng, err := NewEngine(nil, nil, nil, fields, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "copy-score",
		Trigger: schema.TriggerStepCompleted,
		Actions: []schema.AutomationAction{{
			Kind: schema.ActionKindFieldUpdate,
			Params: rawParams(t, fieldUpdateParams{
				Field:      "qualification_score",
				ValueQuery: `.steps.enrich.score`,
			}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerStepCompleted, "enrich", tpl, fixtureExec(), fixtureOpp())

	require.Len(t, fields.writes, 1)
	assert.Equal(t, "qualification_score", fields.writes[0].field)
	assert.InDelta(t, 87, fields.writes[0].value, 0.001)
}

func TestFieldUpdateWithoutWriterFailsSoftly(t *testing.T) {
	jnl := journal.NewMemoryJournal()
	eng, err := NewEngine(nil, nil, jnl, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "orphan",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{{
			Kind: schema.ActionKindFieldUpdate,
			Params: rawParams(t, fieldUpdateParams{
				Field: "stage",
				Value: json.RawMessage(`"proposal"`),
			}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	assert.Equal(t, []string{schema.EventRuleMatched, schema.EventActionFailed},
		eventTypes(t, jnl, "exec-1"))
}

func TestIntegrationAction(t *testing.T) {
	invoker := &mockInvoker{}
	eng, err := NewEngine(nil, nil, nil, nil, invoker, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "sync-crm",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{{
			Kind: schema.ActionKindIntegration,
			Params: rawParams(t, integrationParams{
				Service:   "crm",
				Operation: "sync_opportunity",
				Params:    map[string]any{"opportunity_id": "opp-1"},
			}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	require.Len(t, invoker.calls, 1)
	assert.Equal(t, "crm", invoker.calls[0].service)
	assert.Equal(t, "sync_opportunity", invoker.calls[0].operation)
	assert.Equal(t, map[string]any{"opportunity_id": "opp-1"}, invoker.calls[0].params)
}

func TestActionFailureDoesNotStopLaterActions(t *testing.T) {
	rec := notify.NewRecorder()
	jnl := journal.NewMemoryJournal()
	invoker := &mockInvoker{err: assert.AnError}
	eng, err := NewEngine(nil, rec, jnl, nil, invoker, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "two-actions",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{
			{
				Kind:   schema.ActionKindIntegration,
				Params: rawParams(t, integrationParams{Service: "crm", Operation: "sync"}),
			},
			{
				Kind:   schema.ActionKindNotification,
				Params: rawParams(t, notificationParams{Message: "still delivered"}),
			},
		},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "still delivered", sent[0].Message)
	assert.Equal(t, []string{schema.EventRuleMatched, schema.EventActionFailed, schema.EventActionApplied},
		eventTypes(t, jnl, "exec-1"))
}

func TestUnknownActionKindIsRecordedAsFailure(t *testing.T) {
	jnl := journal.NewMemoryJournal()
	eng, err := NewEngine(nil, nil, jnl, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:      "odd",
		Trigger: schema.TriggerAllStepsCompleted,
		Actions: []schema.AutomationAction{{Kind: "teleport"}},
		Active:  true,
	})

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", tpl, fixtureExec(), fixtureOpp())

	assert.Equal(t, []string{schema.EventRuleMatched, schema.EventActionFailed},
		eventTypes(t, jnl, "exec-1"))
}

func TestStepOutputsVisibleToConditions(t *testing.T) {
	rec := notify.NewRecorder()
	eng, err := NewEngine(nil, rec, nil, nil, nil, nil)
	require.NoError(t, err)

	tpl := fixtureTemplate(schema.AutomationRule{
		ID:         "score-gate",
		Trigger:    schema.TriggerStepCompleted,
		Conditions: []string{`steps.enrich.score > 80.0`},
		Actions: []schema.AutomationAction{{
			Kind:   schema.ActionKindNotification,
			Params: rawParams(t, notificationParams{Message: "score ${{ steps.enrich.score }}"}),
		}},
		Active: true,
	})

	eng.Fire(context.Background(), schema.TriggerStepCompleted, "enrich", tpl, fixtureExec(), fixtureOpp())

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "score 87", sent[0].Message)
}

func TestFireToleratesNilTemplateAndExecution(t *testing.T) {
	eng, err := NewEngine(nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", nil, fixtureExec(), fixtureOpp())
	eng.Fire(context.Background(), schema.TriggerAllStepsCompleted, "", fixtureTemplate(), nil, fixtureOpp())
}
