package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dealflow/pkg/schema"
)

func newValidator(t *testing.T) *TemplateValidator {
	t.Helper()
	v, err := NewTemplateValidator()
	require.NoError(t, err)
	return v
}

func validTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:   "qualification-v1",
		Name: "Qualification",
		Steps: []schema.WorkflowStep{
			{ID: "enrich", Name: "Enrich", Kind: schema.StepKindAutomated},
			{ID: "call", Name: "Discovery call", Kind: schema.StepKindManual, DependsOn: []string{"enrich"}},
			{ID: "approve", Name: "Approve", Kind: schema.StepKindApproval, DependsOn: []string{"call"}},
		},
		Active: true,
	}
}

func TestValidateAcceptsWellFormedTemplate(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.Validate(validTemplate()))
}

func TestValidateRejectsMissingFields(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowTemplate)
	}{
		{"empty id", func(tpl *schema.WorkflowTemplate) { tpl.ID = "" }},
		{"empty name", func(tpl *schema.WorkflowTemplate) { tpl.Name = "" }},
		{"no steps", func(tpl *schema.WorkflowTemplate) { tpl.Steps = nil }},
		{"bad step kind", func(tpl *schema.WorkflowTemplate) { tpl.Steps[0].Kind = "robot" }},
		{"negative due days", func(tpl *schema.WorkflowTemplate) { tpl.Steps[1].DueInDays = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tpl := validTemplate()
			tc.mutate(tpl)
			err := v.Validate(tpl)
			require.Error(t, err)
			fe, ok := err.(*schema.FlowError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, fe.Code)
		})
	}
}

func TestValidateRejectsNilTemplate(t *testing.T) {
	v := newValidator(t)
	require.Error(t, v.Validate(nil))
}

func TestStructureRejectsDuplicateStepIDs(t *testing.T) {
	tpl := validTemplate()
	tpl.Steps[2].ID = "enrich"
	tpl.Steps[2].DependsOn = nil

	err := ValidateStructure(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestStructureRejectsUnknownDependency(t *testing.T) {
	tpl := validTemplate()
	tpl.Steps[1].DependsOn = []string{"nonexistent"}

	err := ValidateStructure(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestStructureRejectsForwardDependency(t *testing.T) {
	// Steps run in template order and dependencies are only checked against
	// earlier steps, so a forward dependency could never be satisfied.
	tpl := validTemplate()
	tpl.Steps[0].DependsOn = []string{"approve"}

	err := ValidateStructure(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "later step")
}

func TestStructureRejectsSelfDependency(t *testing.T) {
	tpl := validTemplate()
	tpl.Steps[1].DependsOn = []string{"call"}

	err := ValidateStructure(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestStructureRejectsDuplicateDependency(t *testing.T) {
	tpl := validTemplate()
	tpl.Steps[1].DependsOn = []string{"enrich", "enrich"}

	err := ValidateStructure(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate dependency")
}

func TestStructureRejectsDuplicateRuleIDs(t *testing.T) {
	tpl := validTemplate()
	tpl.Rules = []schema.AutomationRule{
		{ID: "r1", Trigger: schema.TriggerStepCompleted, Actions: []schema.AutomationAction{{Kind: schema.ActionKindNotification}}},
		{ID: "r1", Trigger: schema.TriggerAllStepsCompleted, Actions: []schema.AutomationAction{{Kind: schema.ActionKindNotification}}},
	}

	err := ValidateStructure(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule id")
}

func TestValidateCollectsMultipleViolations(t *testing.T) {
	tpl := validTemplate()
	tpl.Steps[1].DependsOn = []string{"nope"}
	tpl.Steps[2].ID = "enrich"
	tpl.Steps[2].DependsOn = nil

	err := ValidateStructure(tpl)
	require.Error(t, err)
	fe := err.(*schema.FlowError)
	assert.GreaterOrEqual(t, fe.Details["error_count"], 2)
}
