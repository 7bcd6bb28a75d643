package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/dealflow/pkg/schema"
)

// Event is an immutable entry in the execution journal.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Journal is the append-only execution event history.
// All implementations must be safe for concurrent use.
type Journal interface {
	// AppendEvent appends an event with a monotonically increasing
	// per-execution sequence.
	AppendEvent(ctx context.Context, event *Event) error

	// Events returns events for an execution with sequence > since,
	// ordered by sequence ASC.
	Events(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Close releases any underlying resources.
	Close() error
}

// Replay folds an execution's events into per-step result snapshots.
// Returns an error if sequence gaps are detected.
func Replay(events []*Event) (map[string]*schema.StepResult, error) {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", e.ExecutionID, expected, e.Sequence)
		}
	}

	results := make(map[string]*schema.StepResult)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		r, ok := results[e.StepID]
		if !ok {
			r = &schema.StepResult{
				StepID: e.StepID,
				Status: schema.ResultStatusPending,
			}
			results[e.StepID] = r
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			r.Status = schema.ResultStatusInProgress
			r.StartedAt = &ts

		case schema.EventStepCompleted:
			r.Status = schema.ResultStatusCompleted
			r.CompletedAt = &ts
			r.Output = e.Payload

		case schema.EventStepFailed:
			r.Status = schema.ResultStatusFailed
			r.CompletedAt = &ts
			if len(e.Payload) > 0 {
				var msg string
				if err := json.Unmarshal(e.Payload, &msg); err == nil {
					r.Error = msg
				}
			}

		case schema.EventStepSkipped:
			r.Status = schema.ResultStatusSkipped
			r.CompletedAt = &ts
		}
	}

	return results, nil
}
