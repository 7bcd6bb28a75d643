package schema

import (
	"encoding/json"
	"time"
)

// Opportunity is the read-only subject of an execution, supplied by the
// caller. The engine never writes it; field updates go through the
// automation package's FieldWriter collaborator. Fields beyond the core
// trio live in Extra and are available to substitution and conditions.
type Opportunity struct {
	ID    string         `json:"id"`
	Title string         `json:"title"`
	Value float64        `json:"value"`
	Stage string         `json:"stage"`
	Extra map[string]any `json:"extra,omitempty"`
}

// WorkflowExecution is one live instance of a template bound to a single
// opportunity. The opportunity reference is weak: its lifecycle is
// independent of the execution.
type WorkflowExecution struct {
	ID            string          `json:"id"`
	TemplateID    string          `json:"template_id"`
	OpportunityID string          `json:"opportunity_id"`
	Status        ExecutionStatus `json:"status"`
	Cursor        int             `json:"cursor"` // index into the template's step sequence
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	StartedBy     string          `json:"started_by"`
	Results       []StepResult    `json:"results"` // one per template step, template order
}

// StepResult tracks the outcome of a single step within an execution.
// len(execution.Results) == len(template.Steps) always, in template order.
type StepResult struct {
	StepID      string          `json:"step_id"`
	Status      ResultStatus    `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// ResultStatus represents the lifecycle state of a step result.
type ResultStatus string

const (
	ResultStatusPending    ResultStatus = "pending"
	ResultStatusInProgress ResultStatus = "in_progress"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusSkipped    ResultStatus = "skipped"
	ResultStatusFailed     ResultStatus = "failed"
)

// Terminal reports whether the result status admits no further transitions.
func (s ResultStatus) Terminal() bool {
	return s == ResultStatusCompleted || s == ResultStatusSkipped || s == ResultStatusFailed
}

// ManualTask is the record synthesized when a manual step is dispatched.
// The engine does not persist tasks; downstream task management is an
// external collaborator's responsibility.
type ManualTask struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	OpportunityID string    `json:"opportunity_id"`
	Assignee      string    `json:"assignee"`
	DueDate       time.Time `json:"due_date"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// ApprovalRequest is the record synthesized when an approval step is
// dispatched. Creating the request counts as immediate completion of the
// step; the engine does not block on external resolution.
type ApprovalRequest struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	OpportunityID string    `json:"opportunity_id"`
	Requester     string    `json:"requester"`
	Approver      string    `json:"approver"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
