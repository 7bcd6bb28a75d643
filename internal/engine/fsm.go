package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/dealflow/internal/journal"
	"github.com/rendis/dealflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Journal implementations; used by FSMs to
// emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *journal.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition, emitting
// the event mapped from the target status. The caller (Service) is
// responsible for writing the new status onto the execution record.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	return f.TransitionWithEvent(ctx, executionID, from, to, executionEventType(from, to))
}

// TransitionWithEvent is Transition with an explicit event type, used when
// the same status change carries different meanings (cancel vs. failure).
func (f *ExecutionFSM) TransitionWithEvent(ctx context.Context, executionID string, from, to schema.ExecutionStatus, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType != "" {
		event := &journal.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch {
	case to == schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case from == schema.ExecutionStatusPaused && to == schema.ExecutionStatusRunning:
		return schema.EventExecutionResumed
	case to == schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case to == schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// --- Result FSM ---

type resultHookKey struct {
	from, to schema.ResultStatus
}

// ResultFSM manages step result lifecycle state transitions.
type ResultFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[resultHookKey][]TransitionHook
	after    map[resultHookKey][]TransitionHook
}

// NewResultFSM creates a new ResultFSM that emits events via the given appender.
func NewResultFSM(appender EventAppender) *ResultFSM {
	return &ResultFSM{
		appender: appender,
		before:   make(map[resultHookKey][]TransitionHook),
		after:    make(map[resultHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a result transition.
func (f *ResultFSM) OnBefore(from, to schema.ResultStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := resultHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a result transition.
func (f *ResultFSM) OnAfter(from, to schema.ResultStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := resultHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a result state transition.
// It emits the corresponding event via the appender.
func (f *ResultFSM) Transition(ctx context.Context, executionID, stepID string, from, to schema.ResultStatus) error {
	return f.TransitionWithPayload(ctx, executionID, stepID, from, to, nil)
}

// TransitionWithPayload is Transition with an event payload: the step output
// for completions, the error message for failures. Replay relies on these
// payloads to reconstruct result snapshots from the journal alone.
func (f *ResultFSM) TransitionWithPayload(ctx context.Context, executionID, stepID string, from, to schema.ResultStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidResultTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid result transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := resultHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := resultEventType(to)
	if eventType != "" {
		event := &journal.Event{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        eventType,
			Payload:     payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidResultTransition(from, to schema.ResultStatus) bool {
	allowed, ok := ValidResultTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func resultEventType(to schema.ResultStatus) string {
	switch to {
	case schema.ResultStatusInProgress:
		return schema.EventStepStarted
	case schema.ResultStatusCompleted:
		return schema.EventStepCompleted
	case schema.ResultStatusFailed:
		return schema.EventStepFailed
	case schema.ResultStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
// paused -> failed covers a step that was already in flight when the
// execution was paused and then failed.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusPaused:    {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// ValidResultTransitions defines the allowed state transitions for step results.
var ValidResultTransitions = map[schema.ResultStatus][]schema.ResultStatus{
	schema.ResultStatusPending:    {schema.ResultStatusInProgress, schema.ResultStatusSkipped},
	schema.ResultStatusInProgress: {schema.ResultStatusCompleted, schema.ResultStatusFailed},
	schema.ResultStatusCompleted:  {},
	schema.ResultStatusSkipped:    {},
	schema.ResultStatusFailed:     {},
}
