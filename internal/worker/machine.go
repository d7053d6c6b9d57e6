package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	taskdomain "orchard/internal/domain/task"
	"orchard/internal/observability"
	"orchard/internal/shared/async"
	"orchard/internal/shared/clock"
	"orchard/internal/shared/logging"
)

// WorkerState is a phase of the worker process lifecycle.
type WorkerState string

const (
	StateStarting     WorkerState = "STARTING"
	StateConnecting   WorkerState = "CONNECTING"
	StateRecovering   WorkerState = "RECOVERING"
	StateRunning      WorkerState = "RUNNING"
	StateBackingOff   WorkerState = "BACKING_OFF"
	StateShuttingDown WorkerState = "SHUTTING_DOWN"
	StateStopped      WorkerState = "STOPPED"
)

// Options tunes the lifecycle machine.
type Options struct {
	PollMinInterval  time.Duration
	PollMaxInterval  time.Duration
	RecoveryInterval time.Duration
	ShutdownTimeout  time.Duration

	// EnsureSchema runs during CONNECTING; typically the task and audit
	// store migrations.
	EnsureSchema func(ctx context.Context) error
}

func (o *Options) applyDefaults() {
	if o.PollMinInterval <= 0 {
		o.PollMinInterval = 200 * time.Millisecond
	}
	if o.PollMaxInterval <= 0 {
		o.PollMaxInterval = 10 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// Machine is the worker lifecycle state machine. Every state has exactly one
// handler in the dispatch table; Run only walks the table until STOPPED.
type Machine struct {
	lease       *LeaseManager
	taskMachine *TaskMachine
	metrics     *observability.MetricsCollector
	clock       clock.Clock
	logger      logging.Logger
	opts        Options

	handlers map[WorkerState]func(ctx context.Context) (WorkerState, error)

	// backoff paces reconnect attempts; idleDelay is the NO_WORK poll delay.
	// Both are bounded by the poll interval knobs.
	backoff      Backoff
	idleDelay    time.Duration
	reconnect    bool
	lastRecovery time.Time
}

func NewMachine(lease *LeaseManager, taskMachine *TaskMachine, metrics *observability.MetricsCollector, clk clock.Clock, opts Options) *Machine {
	opts.applyDefaults()
	m := &Machine{
		lease:       lease,
		taskMachine: taskMachine,
		metrics:     metrics,
		clock:       clk,
		logger:      logging.NewComponentLogger("WorkerMachine"),
		opts:        opts,
		backoff:     Backoff{Min: opts.PollMinInterval, Max: opts.PollMaxInterval},
		idleDelay:   opts.PollMinInterval,
	}
	m.handlers = map[WorkerState]func(ctx context.Context) (WorkerState, error){
		StateStarting:     m.handleStarting,
		StateConnecting:   m.handleConnecting,
		StateRecovering:   m.handleRecovering,
		StateRunning:      m.handleRunning,
		StateBackingOff:   m.handleBackingOff,
		StateShuttingDown: m.handleShuttingDown,
	}
	return m
}

// Run drives the lifecycle until STOPPED. Canceling ctx starts a graceful
// shutdown; the in-flight task gets ShutdownTimeout to finish.
func (m *Machine) Run(ctx context.Context) error {
	state := StateStarting
	for state != StateStopped {
		handler, ok := m.handlers[state]
		if !ok {
			return fmt.Errorf("no handler for worker state %s", state)
		}
		next, err := handler(ctx)
		if err != nil {
			m.logger.Error("State %s failed: %v", state, err)
		}
		if next != state {
			m.logger.Info("Worker %s: %s -> %s", m.lease.WorkerID(), state, next)
			m.metrics.RecordWorkerTransition(ctx, string(state), string(next))
		}
		state = next
	}
	m.logger.Info("Worker %s stopped", m.lease.WorkerID())
	return nil
}

func (m *Machine) handleStarting(ctx context.Context) (WorkerState, error) {
	if m.lease == nil || m.taskMachine == nil {
		return StateStopped, fmt.Errorf("worker machine missing dependencies")
	}
	m.logger.Info("Worker %s starting (lease %s, poll %s..%s)",
		m.lease.WorkerID(), m.lease.LeaseDuration(), m.opts.PollMinInterval, m.opts.PollMaxInterval)
	return StateConnecting, nil
}

// handleConnecting establishes the store connection, pacing retries after an
// error with the jittered reconnect backoff.
func (m *Machine) handleConnecting(ctx context.Context) (WorkerState, error) {
	if ctx.Err() != nil {
		return StateShuttingDown, nil
	}
	if m.reconnect {
		delay := m.backoff.Next()
		m.logger.Warn("Worker %s reconnecting in %s", m.lease.WorkerID(), delay)
		select {
		case <-ctx.Done():
			return StateShuttingDown, nil
		case <-m.clock.After(delay):
		}
	}
	if m.opts.EnsureSchema != nil {
		if err := m.opts.EnsureSchema(ctx); err != nil {
			m.reconnect = true
			return StateConnecting, err
		}
	}
	m.reconnect = false
	m.backoff.Reset()
	return StateRecovering, nil
}

// handleRecovering runs one sweep on the way up so rows orphaned by a
// previous incarnation of this worker return to the queue promptly.
func (m *Machine) handleRecovering(ctx context.Context) (WorkerState, error) {
	if ctx.Err() != nil {
		return StateShuttingDown, nil
	}
	if err := m.lease.Recover(ctx); err != nil {
		if errors.Is(err, taskdomain.ErrDatabaseUnavailable) {
			m.reconnect = true
			return StateConnecting, err
		}
		m.logger.Warn("Startup recovery sweep failed: %v", err)
	}
	m.lastRecovery = m.clock.Now()
	return StateRunning, nil
}

func (m *Machine) handleRunning(ctx context.Context) (WorkerState, error) {
	if ctx.Err() != nil {
		return StateShuttingDown, nil
	}
	if m.clock.Since(m.lastRecovery) >= m.opts.RecoveryInterval {
		if err := m.lease.Recover(ctx); err != nil && errors.Is(err, taskdomain.ErrDatabaseUnavailable) {
			m.reconnect = true
			return StateConnecting, err
		}
		m.lastRecovery = m.clock.Now()
	}

	cycleCtx, cancel := m.drainContext(ctx)
	state, err := m.taskMachine.Run(cycleCtx)
	cancel()
	if err != nil {
		if errors.Is(err, taskdomain.ErrDatabaseUnavailable) {
			m.reconnect = true
			return StateConnecting, err
		}
		m.logger.Warn("Task cycle ended %s: %v", state, err)
	}

	if state == TaskIdle {
		return StateBackingOff, nil
	}
	// A claim resets the poll delay to the floor.
	m.idleDelay = m.opts.PollMinInterval
	return StateRunning, nil
}

// handleBackingOff sleeps the NO_WORK poll delay, growing it toward the
// ceiling with each consecutive empty poll. The sleep wakes early on shutdown.
func (m *Machine) handleBackingOff(ctx context.Context) (WorkerState, error) {
	select {
	case <-ctx.Done():
		return StateShuttingDown, nil
	case <-m.clock.After(m.idleDelay):
	}
	m.idleDelay *= 2
	if m.idleDelay > m.opts.PollMaxInterval {
		m.idleDelay = m.opts.PollMaxInterval
	}
	return StateRunning, nil
}

// handleShuttingDown has nothing left in flight: RUNNING only returns between
// task cycles, and an interrupted cycle abandons its claim.
func (m *Machine) handleShuttingDown(ctx context.Context) (WorkerState, error) {
	return StateStopped, nil
}

// drainContext returns a context that outlives ctx by ShutdownTimeout, so a
// task in flight when shutdown starts can finish and report. The caller must
// cancel it when the cycle ends.
func (m *Machine) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithCancel(ctx)
	}
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	async.Go(m.logger, "worker.drain-watch", func() {
		select {
		case <-ctx.Done():
			select {
			case <-m.clock.After(m.opts.ShutdownTimeout):
				cancel()
			case <-drainCtx.Done():
			}
		case <-drainCtx.Done():
		}
	})
	return drainCtx, cancel
}
