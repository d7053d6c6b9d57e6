// Package notify fans task status changes out to interested subscribers.
// Delivery is best-effort: a slow or absent subscriber never blocks the task
// path.
package notify

import (
	"context"
	"time"
)

// Update describes one observable task status change.
type Update struct {
	TaskID    string         `json:"task_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	TotalCost float64        `json:"total_cost,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier is the outbound notification port.
type Notifier interface {
	NotifyTaskUpdate(ctx context.Context, update Update)
}

// Nop is the disabled notifier.
type Nop struct{}

func (Nop) NotifyTaskUpdate(ctx context.Context, update Update) {}

// Multi fans one update out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyTaskUpdate(ctx context.Context, update Update) {
	for _, n := range m {
		if n != nil {
			n.NotifyTaskUpdate(ctx, update)
		}
	}
}

// OrNop returns n, or the disabled notifier when n is nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}
