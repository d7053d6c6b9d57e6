package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/notify"
	"orchard/internal/observability"
	"orchard/internal/shared/async"
	"orchard/internal/shared/clock"
	"orchard/internal/shared/logging"
)

// TaskState is a phase of one claim-execute-report cycle.
type TaskState string

const (
	TaskClaiming   TaskState = "CLAIMING"
	TaskProcessing TaskState = "PROCESSING"
	TaskReporting  TaskState = "REPORTING"
	TaskCompleted  TaskState = "COMPLETED"
	TaskFailed     TaskState = "FAILED"
	TaskAbandoned  TaskState = "ABANDONED"
	// TaskIdle terminates a cycle that found nothing to claim.
	TaskIdle TaskState = "IDLE"
)

// IsTerminal reports whether the cycle is over.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskAbandoned, TaskIdle:
		return true
	}
	return false
}

// Executor runs the work for one claimed task and returns its output document
// and usage. A ctx cancellation mid-flight must abort without side effects
// that assume the claim is still held.
type Executor interface {
	Execute(ctx context.Context, t *taskdomain.Task) (map[string]any, taskdomain.Usage, error)
}

// TaskMachine drives one task through claim, execution, and the terminal
// write. Each state has a single handler in the dispatch table; the run loop
// only walks the table.
type TaskMachine struct {
	lease    *LeaseManager
	store    taskdomain.Store
	audit    auditdomain.Store
	notifier notify.Notifier
	metrics  *observability.MetricsCollector
	executor Executor
	clock    clock.Clock
	logger   logging.Logger

	handlers map[TaskState]func(ctx context.Context, run *taskRun) (TaskState, error)
}

type taskRun struct {
	claim       *taskdomain.Claim
	output      map[string]any
	usage       taskdomain.Usage
	execErr     error
	startedAt   time.Time
	stopRenewal func()
	lost        <-chan struct{}
}

func NewTaskMachine(lease *LeaseManager, store taskdomain.Store, audit auditdomain.Store, notifier notify.Notifier, metrics *observability.MetricsCollector, executor Executor, clk clock.Clock) *TaskMachine {
	m := &TaskMachine{
		lease:    lease,
		store:    store,
		audit:    audit,
		notifier: notify.OrNop(notifier),
		metrics:  metrics,
		executor: executor,
		clock:    clk,
		logger:   logging.NewComponentLogger("TaskMachine"),
	}
	m.handlers = map[TaskState]func(ctx context.Context, run *taskRun) (TaskState, error){
		TaskClaiming:   m.handleClaiming,
		TaskProcessing: m.handleProcessing,
		TaskReporting:  m.handleReporting,
	}
	return m
}

// Run executes one full cycle. The returned state is terminal; err is set
// only for store-level failures the worker lifecycle must react to.
func (m *TaskMachine) Run(ctx context.Context) (TaskState, error) {
	run := &taskRun{}
	state := TaskClaiming
	for !state.IsTerminal() {
		handler, ok := m.handlers[state]
		if !ok {
			return TaskFailed, fmt.Errorf("no handler for task state %s", state)
		}
		next, err := handler(ctx, run)
		if err != nil {
			if run.stopRenewal != nil {
				run.stopRenewal()
			}
			return next, err
		}
		state = next
	}
	if run.stopRenewal != nil {
		run.stopRenewal()
	}
	return state, nil
}

func (m *TaskMachine) handleClaiming(ctx context.Context, run *taskRun) (TaskState, error) {
	claim, err := m.lease.Claim(ctx)
	if err != nil {
		return TaskFailed, err
	}
	if claim == nil {
		return TaskIdle, nil
	}
	run.claim = claim
	run.startedAt = m.clock.Now()
	run.stopRenewal, run.lost = m.lease.StartRenewal(ctx, claim.Task.ID)
	m.logger.Info("Claimed task %s (%s, try %d/%d)",
		claim.Task.ID, claim.Task.Kind, claim.Task.TryCount, claim.Task.MaxTries)
	return TaskProcessing, nil
}

func (m *TaskMachine) handleProcessing(ctx context.Context, run *taskRun) (TaskState, error) {
	t := run.claim.Task

	execCtx, cancel := context.WithCancel(observability.ExtractTraceContext(ctx, t.Input))
	defer cancel()
	async.Go(m.logger, "worker.lost-lease-watch", func() {
		select {
		case <-run.lost:
			cancel()
		case <-execCtx.Done():
		}
	})

	execCtx, span := observability.StartSpan(execCtx, "task.execute")
	run.output, run.usage, run.execErr = m.executor.Execute(execCtx, t)
	span.End()

	if leaseLost(run.lost) {
		m.logger.Warn("Abandoning task %s after lost lease", t.ID)
		return TaskAbandoned, nil
	}
	if ctx.Err() != nil && run.execErr != nil {
		// Shutdown interrupted the execution; the lease expires on its own
		// and another worker retries.
		m.logger.Warn("Abandoning task %s on shutdown: %v", t.ID, run.execErr)
		return TaskAbandoned, nil
	}
	return TaskReporting, nil
}

func (m *TaskMachine) handleReporting(ctx context.Context, run *taskRun) (TaskState, error) {
	t := run.claim.Task
	run.stopRenewal()
	run.stopRenewal = func() {}

	var final TaskState
	var report func(context.Context) error
	if run.execErr == nil {
		final = TaskCompleted
		report = func(ctx context.Context) error {
			return m.store.ReportDone(ctx, t.ID, m.lease.WorkerID(), run.output, run.usage)
		}
	} else {
		final = TaskFailed
		report = func(ctx context.Context) error {
			return m.store.ReportError(ctx, t.ID, m.lease.WorkerID(), run.execErr.Error(), run.usage)
		}
	}

	err := report(ctx)
	if err != nil && isTransient(err) {
		// One retry covers a connection blip; past that the lease protocol
		// handles redelivery.
		m.logger.Warn("Terminal write for task %s failed, retrying once: %v", t.ID, err)
		err = report(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, taskdomain.ErrClaimLost), errors.Is(err, taskdomain.ErrTerminalTask):
		m.logger.Warn("Terminal write for task %s rejected: %v", t.ID, err)
		return TaskAbandoned, nil
	default:
		m.logger.Error("Terminal write for task %s failed after retry: %v", t.ID, err)
		return TaskAbandoned, err
	}

	m.finish(ctx, run, final)
	return final, nil
}

// finish emits the audit event, the notification, and the metrics for a
// successfully recorded terminal state.
func (m *TaskMachine) finish(ctx context.Context, run *taskRun, final TaskState) {
	t := run.claim.Task
	duration := m.clock.Since(run.startedAt)
	class, _, _ := taskdomain.ParseKind(t.Kind)

	status := taskdomain.StatusDone
	kind := auditdomain.TaskDone
	errMsg := ""
	if final == TaskFailed {
		status = taskdomain.StatusError
		kind = auditdomain.TaskError
		errMsg = run.execErr.Error()
	}

	m.metrics.RecordTaskCompletion(ctx, string(status), string(class), duration,
		run.usage.InputTokens, run.usage.OutputTokens, run.usage.Cost)

	event := auditdomain.Event{
		Kind:       kind,
		ResourceID: t.ID,
		UserHash:   t.UserHash,
		Tenant:     t.Tenant,
		Metadata: map[string]any{
			"worker_id":   m.lease.WorkerID(),
			"duration_ms": duration.Milliseconds(),
			"cost":        taskdomain.RoundCost(run.usage.Cost),
		},
	}
	if errMsg != "" {
		event.Metadata["error"] = errMsg
	}
	if m.audit != nil {
		if err := m.audit.Append(ctx, event); err != nil {
			m.logger.Warn("Audit append failed for %s on %s: %v", kind, t.ID, err)
		}
	}

	m.notifier.NotifyTaskUpdate(ctx, notify.Update{
		TaskID:    t.ID,
		ParentID:  t.ParentID,
		Kind:      t.Kind,
		Status:    string(status),
		Error:     errMsg,
		Output:    run.output,
		TotalCost: taskdomain.RoundCost(run.usage.Cost),
		At:        m.clock.Now(),
	})

	m.logger.Info("Task %s finished %s in %s (cost %.6f)", t.ID, status, duration, run.usage.Cost)
}

func leaseLost(lost <-chan struct{}) bool {
	select {
	case <-lost:
		return true
	default:
		return false
	}
}

func isTransient(err error) bool {
	return errors.Is(err, taskdomain.ErrDatabaseUnavailable)
}
