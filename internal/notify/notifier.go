package notify

import (
	"context"
	"time"
)

// Notification is a human-readable status message emitted by the engine
// on start/pause/resume/cancel/failure and by automation rules.
type Notification struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Message     string    `json:"message"`
	Recipients  []string  `json:"recipients,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Filter specifies which notifications a subscriber wants to receive.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Recipient   string   `json:"recipient,omitempty"`
	StepIDs     []string `json:"step_ids,omitempty"`
}

// Notifier is the fire-and-forget notification sink. Delivery is best
// effort; the engine never blocks on or fails because of a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Hub extends Notifier with subscription for in-process consumers.
type Hub interface {
	Notifier
	Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error)
}
