package task

import (
	"context"
	"time"

	"orchard/internal/domain/workflow"
)

// Claim is the result of a successful claim_next. Recovered is set when the
// row was taken over from an expired lease rather than claimed fresh.
type Claim struct {
	Task         *Task
	Recovered    bool
	PrevLockedBy string
}

// RecoveredLease describes one row returned to pending by a recovery sweep.
type RecoveredLease struct {
	TaskID       string
	PrevLockedBy string
}

// RecoveryResult summarizes one recovery sweep: rows returned to pending and
// rows moved to error because their retry budget was already spent.
type RecoveryResult struct {
	Recovered []RecoveredLease
	Exhausted []string
}

// Store is the transactional persistence port for tasks, subtasks, and
// workflow state. Implementations guarantee two update disciplines:
// exclusive claim updates (claim/recover) and owning-worker updates
// (report/renew), both as single short transactions.
//
// Failure mapping: transient connectivity errors wrap
// ErrDatabaseUnavailable; schema or invariant violations wrap
// ErrConstraintViolation.
type Store interface {
	// EnsureSchema creates tables and indexes if they do not exist.
	EnsureSchema(ctx context.Context) error

	// CreateTask inserts a pending task row. A zero ID, CreatedAt, or
	// MaxTries is populated with generated defaults.
	CreateTask(ctx context.Context, t *Task) error

	// CreateSubtask inserts a pending subtask row. ParentID must reference an
	// existing task.
	CreateSubtask(ctx context.Context, t *Task) error

	// Get retrieves a row by id.
	Get(ctx context.Context, id string) (*Task, error)

	// ListSubtasks returns the subtasks of a parent in creation order.
	ListSubtasks(ctx context.Context, parentID string) ([]*Task, error)

	// ClaimNext atomically claims the oldest eligible row for workerID:
	// pending rows and running rows whose lease has expired, subtasks
	// preferred over tasks at equal age. Rows whose retry budget is already
	// spent are moved to error in the same transaction. Returns nil when no
	// row is available.
	ClaimNext(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*Claim, error)

	// RenewLease extends the lease for a row held by workerID. Returns
	// ErrClaimLost when the row is no longer running under workerID or the
	// lease has already expired (strict: a lease at exactly now is expired).
	RenewLease(ctx context.Context, id, workerID string, now time.Time, leaseDuration time.Duration) error

	// RecoverExpired returns expired-lease rows to pending, or to error when
	// try_count has reached max_tries. Idempotent between clock movements.
	RecoverExpired(ctx context.Context, now time.Time) (RecoveryResult, error)

	// ReportDone writes the terminal success state under the owning-worker
	// discipline. For subtasks the parent usage rollup happens in the same
	// transaction. Returns ErrTerminalTask if the row is already terminal and
	// ErrClaimLost if workerID no longer holds it.
	ReportDone(ctx context.Context, id, workerID string, output map[string]any, usage Usage) error

	// ReportError writes the terminal failure state; same discipline and
	// rollup as ReportDone.
	ReportError(ctx context.Context, id, workerID string, errMsg string, usage Usage) error

	// UpsertWorkflowState creates or replaces the workflow bookkeeping row
	// for a parent task.
	UpsertWorkflowState(ctx context.Context, state *workflow.State) error

	// GetWorkflowState loads the bookkeeping row for a parent task.
	GetWorkflowState(ctx context.Context, parentID string) (*workflow.State, error)

	// DeleteTerminalBefore archives terminal rows older than the cutoff,
	// returning the number removed. The only permitted mutation of terminal
	// rows.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases the underlying connections.
	Close()
}
