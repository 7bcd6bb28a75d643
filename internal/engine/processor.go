package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/logging"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/pkg/schema"
)

// process drives an execution forward one step at a time, in template order,
// until the cursor passes the last step or the execution leaves the running
// status. It runs on its own goroutine; errors never propagate to the caller
// that started the execution, they surface through the result records, the
// journal and the notification sink.
//
// At most one process goroutine is alive per execution: the goroutine holds
// st.processing until it returns, and Resume only spawns a replacement when
// the claim is free. Sections holding st.mu are assignment-only; journal and
// FSM emission, dispatching and rule firing all happen outside the lock, so
// a panicking collaborator cannot leave the lock held.
func (s *Service) process(ctx context.Context, st *execState) {
	execID := st.exec.ID
	ctx = logging.WithExecutionID(ctx, execID)

	defer func() {
		if r := recover(); r != nil {
			err := schema.NewErrorf(schema.ErrCodeExecution, "processor panic: %v", r)
			logging.LogWith(ctx, s.logger).ErrorContext(ctx, "processor panic",
				slog.Any("panic", r))
			s.abortExecution(ctx, st, err)
		}
	}()

	for {
		st.mu.Lock()
		if st.exec.Status != schema.ExecutionStatusRunning {
			// Paused or already terminal. The claim is released under the
			// same lock as the status check: a concurrent resume either
			// sees the claim held and lets this loop continue, or sees it
			// free and spawns a fresh processor at the stored cursor.
			st.processing = false
			st.mu.Unlock()
			return
		}

		if st.exec.Cursor >= len(st.tpl.Steps) {
			s.completeExecution(ctx, st)
			return
		}

		idx := st.exec.Cursor
		step := st.tpl.Steps[idx]
		stepCtx := logging.WithStepID(ctx, step.ID)

		if !DependenciesSatisfied(&step, st.exec.Results[:idx]) {
			// Unmet dependencies skip the step instead of aborting the run.
			now := s.now()
			st.exec.Results[idx].Status = schema.ResultStatusSkipped
			st.exec.Results[idx].CompletedAt = &now
			st.exec.Cursor++
			st.mu.Unlock()

			if err := s.resultFSM.Transition(stepCtx, execID, step.ID,
				schema.ResultStatusPending, schema.ResultStatusSkipped); err != nil {
				logging.LogWith(stepCtx, s.logger).WarnContext(stepCtx, "result transition failed",
					slog.String("error", err.Error()))
			}
			logging.LogWith(stepCtx, s.logger).InfoContext(stepCtx, "step skipped",
				slog.String("reason", "unmet dependencies"))
			continue
		}

		now := s.now()
		st.exec.Results[idx].Status = schema.ResultStatusInProgress
		st.exec.Results[idx].StartedAt = &now

		scope := expressions.NewScope(st.opp, st.exec)
		for _, r := range st.exec.Results[:idx] {
			if r.Status == schema.ResultStatusCompleted {
				scope.AddStepOutput(r.StepID, r.Output)
			}
		}
		opp := st.opp
		actor := st.exec.StartedBy
		st.mu.Unlock()

		if err := s.resultFSM.Transition(stepCtx, execID, step.ID,
			schema.ResultStatusPending, schema.ResultStatusInProgress); err != nil {
			logging.LogWith(stepCtx, s.logger).WarnContext(stepCtx, "result transition failed",
				slog.String("error", err.Error()))
		}

		// Dispatch outside the lock so pause and cancel stay responsive
		// while a step runs.
		output, dispErr := s.dispatcher.Dispatch(stepCtx, DispatchRequest{
			Step:        &step,
			Opportunity: opp,
			Scope:       scope,
			Actor:       actor,
		})

		if dispErr != nil {
			s.recordStepFailure(stepCtx, st, idx, &step, dispErr)
			if step.Kind == schema.StepKindManual {
				// Manual step failures are tolerated; the run moves on.
				continue
			}
			s.abortExecution(stepCtx, st, schema.NewErrorf(schema.ErrCodeStepExecution,
				"step %q failed", step.ID).WithStep(step.ID).WithCause(dispErr))
			return
		}

		s.recordStepSuccess(stepCtx, st, idx, &step, output)
	}
}

// completeExecution is called with st.mu held and releases it.
func (s *Service) completeExecution(ctx context.Context, st *execState) {
	execID := st.exec.ID
	now := s.now()
	st.exec.Status = schema.ExecutionStatusCompleted
	st.exec.CompletedAt = &now
	st.processing = false
	snapshot := cloneExecution(st.exec)
	tpl, opp := st.tpl, st.opp
	st.mu.Unlock()

	if err := s.execFSM.Transition(ctx, execID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "execution transition failed",
			slog.String("error", err.Error()))
	}

	s.closeDone(st)
	s.sendNotification(ctx, notify.Notification{
		ExecutionID: execID,
		Message:     "workflow execution completed",
	})
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "execution completed")

	if s.rules != nil {
		s.rules.Fire(ctx, schema.TriggerAllStepsCompleted, "", tpl, snapshot, opp)
	}
}

// recordStepSuccess stores the step output, advances the cursor and fires
// step_completed automation rules. The write is refused if the execution
// became terminal while the dispatch was in flight.
func (s *Service) recordStepSuccess(ctx context.Context, st *execState, idx int, step *schema.WorkflowStep, output []byte) {
	st.mu.Lock()
	if st.exec.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	execID := st.exec.ID
	now := s.now()
	st.exec.Results[idx].Status = schema.ResultStatusCompleted
	st.exec.Results[idx].CompletedAt = &now
	st.exec.Results[idx].Output = append([]byte(nil), output...)
	st.exec.Cursor++
	snapshot := cloneExecution(st.exec)
	tpl, opp := st.tpl, st.opp
	st.mu.Unlock()

	if err := s.resultFSM.TransitionWithPayload(ctx, execID, step.ID,
		schema.ResultStatusInProgress, schema.ResultStatusCompleted,
		json.RawMessage(output)); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "result transition failed",
			slog.String("error", err.Error()))
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "step completed")

	if s.rules != nil {
		s.rules.Fire(ctx, schema.TriggerStepCompleted, step.ID, tpl, snapshot, opp)
	}
}

// recordStepFailure marks the step result failed. Manual steps advance the
// cursor so processing continues; automated and approval steps leave it in
// place because the run aborts right after.
func (s *Service) recordStepFailure(ctx context.Context, st *execState, idx int, step *schema.WorkflowStep, dispErr error) {
	st.mu.Lock()
	if st.exec.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	execID := st.exec.ID
	now := s.now()
	st.exec.Results[idx].Status = schema.ResultStatusFailed
	st.exec.Results[idx].CompletedAt = &now
	st.exec.Results[idx].Error = dispErr.Error()
	if step.Kind == schema.StepKindManual {
		st.exec.Cursor++
	}
	st.mu.Unlock()

	payload, _ := json.Marshal(dispErr.Error())
	if err := s.resultFSM.TransitionWithPayload(ctx, execID, step.ID,
		schema.ResultStatusInProgress, schema.ResultStatusFailed, payload); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "result transition failed",
			slog.String("error", err.Error()))
	}

	logging.LogWith(ctx, s.logger).WarnContext(ctx, "step failed",
		slog.String("kind", string(step.Kind)),
		slog.String("error", dispErr.Error()))
}

// abortExecution moves the execution to failed, stamping the completion
// time and releasing the processor claim. Remaining results keep whatever
// status they already have. Safe to call when the execution is already
// terminal (for example a cancel raced the failing step).
func (s *Service) abortExecution(ctx context.Context, st *execState, cause error) {
	st.mu.Lock()
	if st.exec.Status.Terminal() {
		st.processing = false
		st.mu.Unlock()
		return
	}
	execID := st.exec.ID
	from := st.exec.Status
	now := s.now()
	st.exec.Status = schema.ExecutionStatusFailed
	st.exec.CompletedAt = &now
	st.processing = false
	st.mu.Unlock()

	if err := s.execFSM.Transition(ctx, execID, from, schema.ExecutionStatusFailed); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "execution transition failed",
			slog.String("error", err.Error()))
	}

	s.closeDone(st)
	s.sendNotification(ctx, notify.Notification{
		ExecutionID: execID,
		Message:     "workflow execution failed: " + cause.Error(),
	})
	logging.LogWith(ctx, s.logger).ErrorContext(ctx, "execution failed",
		slog.String("error", cause.Error()))
}
