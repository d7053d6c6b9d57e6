// Package task defines the work-item domain model shared by the API surface,
// the worker fleet, and the workflow orchestrator: statuses, kinds, usage
// accounting, and the persistence port the lease protocol is built on.
package task

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task or subtask row.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// IsTerminal reports whether the status is a final state. Terminal rows are
// never mutated again (archival aside).
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// allowedTransitions is the status transition table. Anything absent here is
// a programming error, not a recoverable condition.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusError: true},
	StatusRunning: {StatusPending: true, StatusDone: true, StatusError: true},
}

// CanTransitionTo reports whether moving from s to next is a legal status
// transition.
func (s Status) CanTransitionTo(next Status) bool {
	return allowedTransitions[s][next]
}

// KindClass distinguishes the three executable kinds.
type KindClass string

const (
	KindAgent    KindClass = "agent"
	KindTool     KindClass = "tool"
	KindWorkflow KindClass = "workflow"
)

// ParseKind splits a kind string such as "agent:research" into its class and
// name. Execution dispatch in the task machine switches on the class.
func ParseKind(kind string) (KindClass, string, error) {
	class, name, ok := strings.Cut(kind, ":")
	if !ok || name == "" {
		return "", "", fmt.Errorf("malformed kind %q: want <class>:<name>", kind)
	}
	switch KindClass(class) {
	case KindAgent, KindTool, KindWorkflow:
		return KindClass(class), name, nil
	default:
		return "", "", fmt.Errorf("unknown kind class %q in %q", class, kind)
	}
}

// Usage carries the LLM accounting attached to a completed work body.
type Usage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates other into u. The model of the most recent call wins, which
// matches how workflow parents report the model charged last.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost = RoundCost(u.Cost + other.Cost)
	if other.Model != "" {
		u.Model = other.Model
	}
}

// RoundCost normalizes a cost value to the six fractional digits the store
// persists. Costs are never negative.
func RoundCost(cost float64) float64 {
	if cost < 0 {
		cost = 0
	}
	return math.Round(cost*1e6) / 1e6
}

// DefaultMaxTries is the retry cap applied when a submission does not
// override it.
const DefaultMaxTries = 3

// TraceContextKey is the input field the submission surface extracts the
// trace linkage from.
const TraceContextKey = "_trace_context"

// Task is a persisted work item. Subtasks share the row shape; a non-empty
// ParentID marks a row as a subtask generated by the orchestrator.
type Task struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Status Status         `json:"status"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	UserHash string `json:"user_hash,omitempty"`
	Tenant   string `json:"tenant,omitempty"`

	ModelUsed    string  `json:"model_used,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	TraceID      string  `json:"trace_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LockedAt     *time.Time `json:"locked_at,omitempty"`
	LockedBy     string     `json:"locked_by,omitempty"`
	LeaseTimeout *time.Time `json:"lease_timeout,omitempty"`
	TryCount     int        `json:"try_count"`
	MaxTries     int        `json:"max_tries"`

	// Subtask-only fields.
	ParentID  string `json:"parent_id,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	StepName  string `json:"step_name,omitempty"`
}

// IsSubtask reports whether the row was generated by the orchestrator.
func (t *Task) IsSubtask() bool {
	return t.ParentID != ""
}

// LeaseExpired reports whether the lease has passed at the given instant. A
// lease at exactly its timeout counts as expired (strict less-than on now).
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseTimeout == nil || !now.Before(*t.LeaseTimeout)
}

// Usage returns the accounting currently recorded on the row.
func (t *Task) Usage() Usage {
	return Usage{
		Model:        t.ModelUsed,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
		Cost:         t.TotalCost,
	}
}
