package schema

import (
	"encoding/json"
	"time"
)

// WorkflowTemplate is a reusable definition of an ordered step sequence and
// automation rules for a pipeline stage. Templates are read-only once
// registered; executions never mutate them.
type WorkflowTemplate struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Stage       string           `json:"stage,omitempty"` // associated pipeline stage
	Steps       []WorkflowStep   `json:"steps"`
	Rules       []AutomationRule `json:"rules,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	Active      bool             `json:"active"`
}

// WorkflowStep describes a single step in a template.
type WorkflowStep struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Kind         StepKind       `json:"kind"`
	AssignedRole string         `json:"assigned_role,omitempty"`
	DueInDays    int            `json:"due_in_days,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"` // step IDs that must complete first
	Criterion    string         `json:"criterion,omitempty"`  // human-readable completion criterion
	Resources    []StepResource `json:"resources,omitempty"`
}

// StepKind enumerates the kinds of steps in a template.
type StepKind string

const (
	StepKindAutomated StepKind = "automated"
	StepKindManual    StepKind = "manual"
	StepKindApproval  StepKind = "approval"
)

// StepResource is an attachment used by a step. Automated steps render
// resources of kind "template" via variable substitution; other kinds are
// carried for the assignee and ignored by the dispatcher.
type StepResource struct {
	Kind    ResourceKind `json:"kind"`
	Name    string       `json:"name,omitempty"`
	Content string       `json:"content,omitempty"`
}

// ResourceKind enumerates step resource kinds.
type ResourceKind string

const (
	ResourceKindTemplate  ResourceKind = "template"
	ResourceKindChecklist ResourceKind = "checklist"
	ResourceKindDocument  ResourceKind = "document"
)

// AutomationRule is a trigger/condition/action tuple evaluated against
// execution events. Conditions are CEL expressions over the opportunity,
// execution and steps scopes; all must hold for the actions to run.
type AutomationRule struct {
	ID         string             `json:"id"`
	Trigger    string             `json:"trigger"` // e.g. "all_steps_completed", "step_completed"
	Conditions []string           `json:"conditions,omitempty"`
	Actions    []AutomationAction `json:"actions"`
	Active     bool               `json:"active"`
}

// AutomationAction is a single effect applied when a rule matches.
// Params are action-specific; see the automation package for each shape.
type AutomationAction struct {
	Kind   ActionKind      `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ActionKind enumerates automation action kinds.
type ActionKind string

const (
	ActionKindFieldUpdate  ActionKind = "field_update"
	ActionKindNotification ActionKind = "notification"
	ActionKindIntegration  ActionKind = "integration"
)

// Trigger event names recognized by the automation rule engine.
const (
	TriggerStepCompleted     = "step_completed"
	TriggerAllStepsCompleted = "all_steps_completed"
)
