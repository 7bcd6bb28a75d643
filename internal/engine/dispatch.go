package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/logging"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/pkg/schema"
)

// DefaultApproverRole is the approver assigned to approval steps that carry
// no assigned role.
const DefaultApproverRole = "sales_manager"

// taskStatusPending is the initial status of synthesized tasks and approvals.
const taskStatusPending = "pending"

// DispatchRequest carries everything a dispatcher needs to execute one step.
type DispatchRequest struct {
	Step        *schema.WorkflowStep
	Opportunity *schema.Opportunity
	Scope       *expressions.Scope
	Actor       string
}

// Dispatcher executes a single step and returns its output payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error)
}

// StepDispatcher is the Dispatcher implementation polymorphic over step kind.
//
// Manual and approval steps complete the instant their task/approval record
// is created; the engine never blocks on external human action. That is at
// odds with the literal meaning of "approval" and is kept deliberately: the
// surrounding application owns the task/approval lifecycle.
type StepDispatcher struct {
	interp       *expressions.Interpolator
	notifier     notify.Notifier
	approverRole string
	logger       *slog.Logger
	now          func() time.Time
}

// NewStepDispatcher creates a StepDispatcher. approverRole falls back to
// DefaultApproverRole when empty.
func NewStepDispatcher(notifier notify.Notifier, approverRole string, logger *slog.Logger) *StepDispatcher {
	if approverRole == "" {
		approverRole = DefaultApproverRole
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepDispatcher{
		interp:       expressions.NewInterpolator(),
		notifier:     notifier,
		approverRole: approverRole,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch executes the step according to its kind. Unknown kinds fail with
// an UNKNOWN_STEP_KIND error, which the processor treats as a step
// execution failure.
func (d *StepDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	ctx = logging.WithStepID(ctx, req.Step.ID)

	switch req.Step.Kind {
	case schema.StepKindAutomated:
		return d.dispatchAutomated(ctx, req)
	case schema.StepKindManual:
		return d.dispatchManual(ctx, req)
	case schema.StepKindApproval:
		return d.dispatchApproval(ctx, req)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepKind,
			"unknown step kind %q", req.Step.Kind).WithStep(req.Step.ID)
	}
}

// dispatchAutomated renders every template resource with content through the
// interpolator and returns the rendered outputs. Resources of other kinds
// are ignored without error.
func (d *StepDispatcher) dispatchAutomated(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	var rendered []string
	for _, res := range req.Step.Resources {
		if res.Kind != schema.ResourceKindTemplate || res.Content == "" {
			continue
		}
		out, err := d.interp.Render(res.Content, req.Scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"render resource %q: %s", res.Name, err.Error()).
				WithStep(req.Step.ID).WithCause(err)
		}
		rendered = append(rendered, out)
	}

	logging.LogWith(ctx, d.logger).DebugContext(ctx, "automated step rendered",
		slog.Int("resources", len(rendered)))

	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"marshal rendered outputs: %s", err.Error()).WithStep(req.Step.ID).WithCause(err)
	}
	return out, nil
}

// dispatchManual synthesizes a task record for the assignee and emits a
// notification. The task is not persisted here; task management belongs to
// the surrounding application.
func (d *StepDispatcher) dispatchManual(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	now := d.now()
	assignee := req.Step.AssignedRole
	if assignee == "" {
		assignee = req.Actor
	}

	task := schema.ManualTask{
		ID:            uuid.NewString(),
		Title:         req.Step.Name,
		Description:   req.Step.Description,
		OpportunityID: req.Opportunity.ID,
		Assignee:      assignee,
		DueDate:       now.AddDate(0, 0, req.Step.DueInDays),
		Status:        taskStatusPending,
		CreatedAt:     now,
	}

	d.sendNotification(ctx, notify.Notification{
		ExecutionID: logging.ExecutionID(ctx),
		StepID:      req.Step.ID,
		Message:     fmt.Sprintf("task %q created for %s (due %s)", task.Title, task.Assignee, task.DueDate.Format("2006-01-02")),
		Recipients:  []string{task.Assignee},
	})

	out, err := json.Marshal(task)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"marshal task: %s", err.Error()).WithStep(req.Step.ID).WithCause(err)
	}
	return out, nil
}

// dispatchApproval synthesizes an approval request and emits a notification.
func (d *StepDispatcher) dispatchApproval(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	now := d.now()
	approver := req.Step.AssignedRole
	if approver == "" {
		approver = d.approverRole
	}

	approval := schema.ApprovalRequest{
		ID:            uuid.NewString(),
		Title:         req.Step.Name,
		Description:   req.Step.Description,
		OpportunityID: req.Opportunity.ID,
		Requester:     req.Actor,
		Approver:      approver,
		Status:        taskStatusPending,
		CreatedAt:     now,
	}

	d.sendNotification(ctx, notify.Notification{
		ExecutionID: logging.ExecutionID(ctx),
		StepID:      req.Step.ID,
		Message:     fmt.Sprintf("approval %q requested from %s by %s", approval.Title, approval.Approver, approval.Requester),
		Recipients:  []string{approval.Approver},
	})

	out, err := json.Marshal(approval)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"marshal approval: %s", err.Error()).WithStep(req.Step.ID).WithCause(err)
	}
	return out, nil
}

// sendNotification is fire-and-forget: sink errors are logged, never returned.
func (d *StepDispatcher) sendNotification(ctx context.Context, n notify.Notification) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		logging.LogWith(ctx, d.logger).WarnContext(ctx, "notification dropped",
			slog.String("error", err.Error()))
	}
}

var _ Dispatcher = (*StepDispatcher)(nil)
