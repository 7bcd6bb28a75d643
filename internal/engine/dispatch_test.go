package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/pkg/schema"
)

func dispatchScope(opp *schema.Opportunity) *expressions.Scope {
	return expressions.NewScope(opp, &schema.WorkflowExecution{ID: "exec-1", Status: schema.ExecutionStatusRunning})
}

func testOpportunity() *schema.Opportunity {
	return &schema.Opportunity{ID: "opp-1", Title: "Acme expansion", Value: 82000, Stage: "qualification"}
}

func TestDispatchAutomatedRendersResources(t *testing.T) {
	d := NewStepDispatcher(nil, "", nil)
	opp := testOpportunity()

	step := &schema.WorkflowStep{
		ID:   "enrich",
		Name: "Enrich",
		Kind: schema.StepKindAutomated,
		Resources: []schema.StepResource{
			{Kind: schema.ResourceKindTemplate, Name: "summary", Content: "Deal ${{opportunity.title}} at ${{opportunity.stage}}"},
			{Kind: schema.ResourceKindChecklist, Name: "ignored", Content: "${{not.rendered}}"},
			{Kind: schema.ResourceKindTemplate, Name: "empty"},
		},
	}

	out, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp), Actor: "alice",
	})
	require.NoError(t, err)

	var rendered []string
	require.NoError(t, json.Unmarshal(out, &rendered))
	require.Len(t, rendered, 1, "only template resources with content are rendered")
	assert.Equal(t, "Deal Acme expansion at qualification", rendered[0])
}

func TestDispatchAutomatedRenderError(t *testing.T) {
	d := NewStepDispatcher(nil, "", nil)
	opp := testOpportunity()

	step := &schema.WorkflowStep{
		ID:   "enrich",
		Kind: schema.StepKindAutomated,
		Resources: []schema.StepResource{
			{Kind: schema.ResourceKindTemplate, Content: "${{bogus.path}}"},
		},
	}

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp),
	})
	require.Error(t, err)
	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeStepExecution, fe.Code)
	assert.Equal(t, "enrich", fe.StepID)
}

func TestDispatchManualSynthesizesTask(t *testing.T) {
	rec := notify.NewRecorder()
	d := NewStepDispatcher(rec, "", nil)
	d.now = func() time.Time { return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC) }
	opp := testOpportunity()

	step := &schema.WorkflowStep{
		ID:           "call",
		Name:         "Discovery call",
		Kind:         schema.StepKindManual,
		AssignedRole: "account_executive",
		DueInDays:    3,
	}

	out, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp), Actor: "alice",
	})
	require.NoError(t, err)

	var task schema.ManualTask
	require.NoError(t, json.Unmarshal(out, &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "Discovery call", task.Title)
	assert.Equal(t, "opp-1", task.OpportunityID)
	assert.Equal(t, "account_executive", task.Assignee)
	assert.Equal(t, time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC), task.DueDate)
	assert.Equal(t, "pending", task.Status)

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"account_executive"}, sent[0].Recipients)
}

func TestDispatchManualFallsBackToActor(t *testing.T) {
	d := NewStepDispatcher(nil, "", nil)
	opp := testOpportunity()

	step := &schema.WorkflowStep{ID: "call", Name: "Call", Kind: schema.StepKindManual}
	out, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp), Actor: "alice",
	})
	require.NoError(t, err)

	var task schema.ManualTask
	require.NoError(t, json.Unmarshal(out, &task))
	assert.Equal(t, "alice", task.Assignee)
}

func TestDispatchApprovalSynthesizesRequest(t *testing.T) {
	rec := notify.NewRecorder()
	d := NewStepDispatcher(rec, "", nil)
	opp := testOpportunity()

	step := &schema.WorkflowStep{ID: "approve", Name: "Approve deal", Kind: schema.StepKindApproval}

	out, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp), Actor: "alice",
	})
	require.NoError(t, err)

	var approval schema.ApprovalRequest
	require.NoError(t, json.Unmarshal(out, &approval))
	assert.Equal(t, "alice", approval.Requester)
	assert.Equal(t, DefaultApproverRole, approval.Approver)
	assert.Equal(t, "pending", approval.Status)

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{DefaultApproverRole}, sent[0].Recipients)
}

func TestDispatchApprovalUsesConfiguredRole(t *testing.T) {
	d := NewStepDispatcher(nil, "vp_sales", nil)
	opp := testOpportunity()

	step := &schema.WorkflowStep{ID: "approve", Name: "Approve", Kind: schema.StepKindApproval}
	out, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp), Actor: "alice",
	})
	require.NoError(t, err)

	var approval schema.ApprovalRequest
	require.NoError(t, json.Unmarshal(out, &approval))
	assert.Equal(t, "vp_sales", approval.Approver)

	// Step-level role still wins over the configured default.
	step.AssignedRole = "regional_manager"
	out, err = d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp), Actor: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &approval))
	assert.Equal(t, "regional_manager", approval.Approver)
}

func TestDispatchUnknownKind(t *testing.T) {
	d := NewStepDispatcher(nil, "", nil)
	opp := testOpportunity()

	step := &schema.WorkflowStep{ID: "odd", Name: "Odd", Kind: "telepathic"}
	_, err := d.Dispatch(context.Background(), DispatchRequest{
		Step: step, Opportunity: opp, Scope: dispatchScope(opp),
	})
	require.Error(t, err)
	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeUnknownStepKind, fe.Code)
	assert.Equal(t, "odd", fe.StepID)
}
