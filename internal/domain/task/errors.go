package task

import "errors"

// Error taxonomy for the scheduling core. Callers branch with errors.Is; the
// policy attached to each kind is enforced where the error is observed, not
// where it is produced.
var (
	// ErrDatabaseUnavailable marks transient store failures. The worker
	// machine routes these back through its connecting state.
	ErrDatabaseUnavailable = errors.New("database unavailable")

	// ErrConstraintViolation marks non-retryable store failures that indicate
	// a programming error. The worker crash-fails on these.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound is returned when a row id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrClaimLost is returned by lease renewal when the lease has expired or
	// another worker recovered the row. The owning task machine must abandon.
	ErrClaimLost = errors.New("claim lost")

	// ErrTerminalTask is returned when a write targets a row already in a
	// terminal status. Terminal rows are immutable.
	ErrTerminalTask = errors.New("task already terminal")

	// ErrInvalidTransition marks a status transition the allowed-transition
	// table forbids. Never recovered: the process exits so the bug is
	// observable.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrWorkflowNotFound is reported when a workflow-kind task names a
	// definition the registry does not hold. Not retryable.
	ErrWorkflowNotFound = errors.New("workflow definition not found")

	// ErrShutdown signals cooperative cancellation through the state machines.
	ErrShutdown = errors.New("shutdown requested")
)

// MaxRetriesMessage is the system-generated error recorded on rows whose
// retry budget is exhausted. Tests and operators grep for it verbatim.
const MaxRetriesMessage = "exceeded max retries"
