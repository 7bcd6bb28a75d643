package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dealflow/internal/journal"
	"github.com/rendis/dealflow/internal/logging"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/internal/registry"
	"github.com/rendis/dealflow/pkg/schema"
)

// RuleFirer receives execution events and evaluates automation rules.
// Satisfied by *automation.Engine.
type RuleFirer interface {
	Fire(ctx context.Context, trigger, stepID string, tpl *schema.WorkflowTemplate, exec *schema.WorkflowExecution, opp *schema.Opportunity)
}

// ServiceConfig holds configuration for the Service.
type ServiceConfig struct {
	ApproverRole string // default approver for approval steps (DefaultApproverRole when empty)
}

// Service owns live workflow executions and exposes the control surface:
// Start, Get, ListActive, Pause, Resume, Cancel. One Service instance is
// shared process-wide; construct it once at application start and inject it
// into callers.
//
// Only the processor goroutine driving a given execution mutates its results
// and cursor. Control calls from other goroutines perform a check-and-set
// against the status under the execution's lock, so they cannot race the
// processor.
type Service struct {
	registry   *registry.Registry
	journal    journal.Journal
	notifier   notify.Notifier
	dispatcher Dispatcher
	rules      RuleFirer
	execFSM    *ExecutionFSM
	resultFSM  *ResultFSM
	logger     *slog.Logger
	now        func() time.Time

	// mu guards the executions map.
	mu         sync.RWMutex
	executions map[string]*execState
}

// execState tracks a single execution. mu guards every field of exec and
// the processing claim.
type execState struct {
	mu   sync.Mutex
	exec *schema.WorkflowExecution
	tpl  *schema.WorkflowTemplate
	opp  *schema.Opportunity

	// processing is held by the one processor goroutine driving this
	// execution, from launch until it returns. Resume spawns a new
	// processor only when the claim is free; a processor blocked in a
	// dispatch across pause/resume keeps the claim and carries on itself.
	processing bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewService creates a Service. rules is optional (nil disables automation
// rule evaluation). The variadic dispatcher overrides the default
// StepDispatcher, mainly for tests.
func NewService(reg *registry.Registry, jnl journal.Journal, notifier notify.Notifier, rules RuleFirer, cfg ServiceConfig, logger *slog.Logger, dispatcher ...Dispatcher) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if jnl == nil {
		jnl = journal.NewMemoryJournal()
	}

	var d Dispatcher
	if len(dispatcher) > 0 && dispatcher[0] != nil {
		d = dispatcher[0]
	} else {
		d = NewStepDispatcher(notifier, cfg.ApproverRole, logger)
	}

	return &Service{
		registry:   reg,
		journal:    jnl,
		notifier:   notifier,
		dispatcher: d,
		rules:      rules,
		execFSM:    NewExecutionFSM(jnl),
		resultFSM:  NewResultFSM(jnl),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		executions: make(map[string]*execState),
	}
}

// Register stores a template in the underlying registry.
func (s *Service) Register(tpl *schema.WorkflowTemplate) error {
	return s.registry.Register(tpl)
}

// Template retrieves a registered template by id.
func (s *Service) Template(id string) (*schema.WorkflowTemplate, error) {
	return s.registry.Get(id)
}

// Templates lists all registered templates.
func (s *Service) Templates() []*schema.WorkflowTemplate {
	return s.registry.List()
}

// Start creates a new execution of the template against the opportunity and
// launches processing asynchronously. It returns the execution handle
// immediately, before any stepping happens; callers poll Get or wait on
// Done to learn the outcome. An unknown template id fails synchronously
// with TEMPLATE_NOT_FOUND before any execution record exists.
func (s *Service) Start(ctx context.Context, templateID string, opp *schema.Opportunity, actor string) (*schema.WorkflowExecution, error) {
	if opp == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "opportunity is nil")
	}

	tpl, err := s.registry.Get(templateID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	exec := &schema.WorkflowExecution{
		ID:            uuid.NewString(),
		TemplateID:    tpl.ID,
		OpportunityID: opp.ID,
		Status:        schema.ExecutionStatusRunning,
		Cursor:        0,
		StartedAt:     now,
		StartedBy:     actor,
		Results:       make([]schema.StepResult, len(tpl.Steps)),
	}
	for i, step := range tpl.Steps {
		exec.Results[i] = schema.StepResult{
			StepID: step.ID,
			Status: schema.ResultStatusPending,
		}
	}

	st := &execState{
		exec:       exec,
		tpl:        tpl,
		opp:        opp,
		processing: true,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.executions[exec.ID] = st
	s.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, "", actor)
	if err := s.journal.AppendEvent(ctx, &journal.Event{
		ExecutionID: exec.ID,
		Type:        schema.EventExecutionStarted,
		Actor:       actor,
	}); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "journal append failed",
			slog.String("error", err.Error()))
	}
	s.sendNotification(ctx, notify.Notification{
		ExecutionID: exec.ID,
		Message:     "workflow execution started: " + tpl.Name,
	})

	// Snapshot before the processor goroutine starts mutating the record.
	snapshot := cloneExecution(exec)

	// Detach from the caller's cancellation: the caller returns immediately
	// while stepping continues.
	go s.process(context.WithoutCancel(ctx), st)

	return snapshot, nil
}

// Get returns a snapshot of the execution, or NOT_FOUND.
func (s *Service) Get(id string) (*schema.WorkflowExecution, error) {
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneExecution(st.exec), nil
}

// ListActive returns snapshots of all executions with status running.
func (s *Service) ListActive() []*schema.WorkflowExecution {
	s.mu.RLock()
	states := make([]*execState, 0, len(s.executions))
	for _, st := range s.executions {
		states = append(states, st)
	}
	s.mu.RUnlock()

	var out []*schema.WorkflowExecution
	for _, st := range states {
		st.mu.Lock()
		if st.exec.Status == schema.ExecutionStatusRunning {
			out = append(out, cloneExecution(st.exec))
		}
		st.mu.Unlock()
	}
	return out
}

// Pause transitions a running execution to paused. Any other status is a
// no-op. Pausing does not interrupt a step dispatch already in flight; the
// processor stops before the next step.
func (s *Service) Pause(ctx context.Context, id string) error {
	st, err := s.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.exec.Status != schema.ExecutionStatusRunning {
		st.mu.Unlock()
		return nil
	}
	if err := s.execFSM.Transition(ctx, id, schema.ExecutionStatusRunning, schema.ExecutionStatusPaused); err != nil {
		st.mu.Unlock()
		return err
	}
	st.exec.Status = schema.ExecutionStatusPaused
	st.mu.Unlock()

	s.sendNotification(ctx, notify.Notification{ExecutionID: id, Message: "workflow execution paused"})
	return nil
}

// Resume transitions a paused execution back to running so the remaining
// steps execute from the stored cursor. Any other status is a no-op. A new
// processor goroutine is spawned only when no processor is alive for the
// execution: if the pause landed while a dispatch was in flight, the
// original processor still holds the claim and continues on its own once
// the dispatch returns, keeping a single mutator per execution.
func (s *Service) Resume(ctx context.Context, id string) error {
	st, err := s.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.exec.Status != schema.ExecutionStatusPaused {
		st.mu.Unlock()
		return nil
	}
	if err := s.execFSM.Transition(ctx, id, schema.ExecutionStatusPaused, schema.ExecutionStatusRunning); err != nil {
		st.mu.Unlock()
		return err
	}
	st.exec.Status = schema.ExecutionStatusRunning
	actor := st.exec.StartedBy
	spawn := !st.processing
	if spawn {
		st.processing = true
	}
	st.mu.Unlock()

	s.sendNotification(ctx, notify.Notification{ExecutionID: id, Message: "workflow execution resumed"})

	if spawn {
		ctx = logging.WithIDs(ctx, id, "", actor)
		go s.process(context.WithoutCancel(ctx), st)
	}
	return nil
}

// Cancel transitions a running execution to failed with a completion time.
// Any other status is a no-op. Cancel does not forcibly interrupt an
// in-flight dispatch; once the execution is terminal no further result is
// mutated.
func (s *Service) Cancel(ctx context.Context, id string) error {
	st, err := s.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.exec.Status != schema.ExecutionStatusRunning {
		st.mu.Unlock()
		return nil
	}
	if err := s.execFSM.TransitionWithEvent(ctx, id,
		schema.ExecutionStatusRunning, schema.ExecutionStatusFailed,
		schema.EventExecutionCancelled); err != nil {
		st.mu.Unlock()
		return err
	}
	now := s.now()
	st.exec.Status = schema.ExecutionStatusFailed
	st.exec.CompletedAt = &now
	st.mu.Unlock()

	s.closeDone(st)
	s.sendNotification(ctx, notify.Notification{ExecutionID: id, Message: "workflow execution cancelled"})
	return nil
}

// Done returns a channel closed when the execution reaches a terminal
// status, so callers can wait deterministically instead of polling.
func (s *Service) Done(id string) (<-chan struct{}, error) {
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	return st.done, nil
}

// History returns the journal events recorded for an execution.
func (s *Service) History(ctx context.Context, id string) ([]*journal.Event, error) {
	if _, err := s.state(id); err != nil {
		return nil, err
	}
	return s.journal.Events(ctx, id, 0)
}

func (s *Service) state(id string) (*execState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return st, nil
}

func (s *Service) closeDone(st *execState) {
	st.doneOnce.Do(func() { close(st.done) })
}

// sendNotification is fire-and-forget: sink errors are logged, never returned.
func (s *Service) sendNotification(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "notification dropped",
			slog.String("error", err.Error()))
	}
}

// cloneExecution deep-copies an execution so callers cannot reach live state.
func cloneExecution(exec *schema.WorkflowExecution) *schema.WorkflowExecution {
	cp := *exec
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Results = make([]schema.StepResult, len(exec.Results))
	for i, r := range exec.Results {
		rc := r
		if r.StartedAt != nil {
			t := *r.StartedAt
			rc.StartedAt = &t
		}
		if r.CompletedAt != nil {
			t := *r.CompletedAt
			rc.CompletedAt = &t
		}
		rc.Output = append([]byte(nil), r.Output...)
		cp.Results[i] = rc
	}
	return &cp
}
