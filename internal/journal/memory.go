package journal

import (
	"context"
	"sync"
	"time"
)

// MemoryJournal is an in-memory Journal for embedding and tests.
type MemoryJournal struct {
	mu     sync.Mutex
	events map[string][]*Event // execution ID → events, sequence order
	nextID int64
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		events: make(map[string][]*Event),
	}
}

// AppendEvent appends an event with the next per-execution sequence.
func (j *MemoryJournal) AppendEvent(_ context.Context, event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextID++
	event.ID = j.nextID
	event.Sequence = int64(len(j.events[event.ExecutionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	cp := *event
	j.events[event.ExecutionID] = append(j.events[event.ExecutionID], &cp)
	return nil
}

// Events returns events for an execution with sequence > since.
func (j *MemoryJournal) Events(_ context.Context, executionID string, since int64) ([]*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*Event
	for _, e := range j.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close is a no-op.
func (j *MemoryJournal) Close() error { return nil }

var _ Journal = (*MemoryJournal)(nil)
