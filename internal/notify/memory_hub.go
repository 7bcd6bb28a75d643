package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan Notification
	filter Filter
}

// MemoryHub is an in-memory Hub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Notify sends a notification to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the notification is dropped.
func (h *MemoryHub) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, n) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// backpressure: drop notification for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan Notification, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the notification passes the filter criteria.
func matchFilter(f Filter, n Notification) bool {
	if f.ExecutionID != "" && f.ExecutionID != n.ExecutionID {
		return false
	}
	if f.Recipient != "" {
		found := false
		for _, r := range n.Recipients {
			if r == f.Recipient {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.StepIDs) > 0 {
		found := false
		for _, id := range f.StepIDs {
			if id == n.StepID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Recorder is a Notifier that records everything it receives, for tests
// and for embedding hosts that drain notifications on their own cadence.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify records the notification.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of all recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Notification, len(r.sent))
	copy(cp, r.sent)
	return cp
}
