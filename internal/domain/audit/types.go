// Package audit defines the append-only event log written by the scheduling
// core. Events are immutable after write and queryable by user, tenant,
// resource, and time.
package audit

import (
	"context"
	"time"
)

// EventKind enumerates the events the core produces.
type EventKind string

const (
	TaskSubmitted      EventKind = "task_submitted"
	TaskClaimed        EventKind = "task_claimed"
	LeaseRecovered     EventKind = "lease_recovered"
	TaskDone           EventKind = "task_done"
	TaskError          EventKind = "task_error"
	WorkflowStarted    EventKind = "workflow_started"
	SubtaskDone        EventKind = "subtask_done"
	WorkflowConverged  EventKind = "workflow_converged"
)

// Event is one append-only log record.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	ResourceID string         `json:"resource_id"`
	UserHash   string         `json:"user_hash,omitempty"`
	Tenant     string         `json:"tenant,omitempty"`
	At         time.Time      `json:"at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Store is the append-only persistence port. Append failures are logged by
// callers and never block the task path.
type Store interface {
	Append(ctx context.Context, event Event) error
	// ListByResource returns events for one task or subtask, oldest first.
	ListByResource(ctx context.Context, resourceID string) ([]Event, error)
}
