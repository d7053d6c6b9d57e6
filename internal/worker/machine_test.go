package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"orchard/internal/agent"
	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	auditinfra "orchard/internal/infra/audit"
	taskinfra "orchard/internal/infra/task"
	"orchard/internal/notify"
	"orchard/internal/observability"
	"orchard/internal/registry"
	"orchard/internal/shared/clock"
	"orchard/internal/tools"
)

type chanNotifier struct{ ch chan notify.Update }

func (n *chanNotifier) NotifyTaskUpdate(ctx context.Context, update notify.Update) {
	select {
	case n.ch <- update:
	default:
	}
}

type stubAgent struct {
	execute func(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error)
}

func (a *stubAgent) Type() string { return "stub" }

func (a *stubAgent) Execute(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error) {
	return a.execute(ctx, input)
}

func testRouter(t *testing.T, extra map[string]agent.Agent) *Router {
	t.Helper()
	agents, err := agent.NewRegistry()
	if err != nil {
		t.Fatalf("agent registry: %v", err)
	}
	for name, a := range extra {
		a := a
		err := agents.Register(registry.Metadata{Name: name}, func() (agent.Agent, error) { return a, nil })
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	toolReg, err := tools.NewRegistry()
	if err != nil {
		t.Fatalf("tool registry: %v", err)
	}
	return NewRouter(agents, toolReg, nil)
}

func testMetrics(t *testing.T) *observability.MetricsCollector {
	t.Helper()
	m, err := observability.NewMetricsCollector(observability.Config{})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

func waitForStatus(t *testing.T, store taskdomain.Store, id string, want taskdomain.Status) *taskdomain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestMachineProcessesTaskEndToEnd(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	auditStore := auditinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()
	updates := &chanNotifier{ch: make(chan notify.Update, 8)}

	lease := NewLeaseManager(store, auditStore, metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, auditStore, updates, metrics, testRouter(t, nil), clk)
	machine := NewMachine(lease, taskMachine, metrics, clk, Options{
		PollMinInterval:  5 * time.Millisecond,
		PollMaxInterval:  20 * time.Millisecond,
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  time.Second,
	})

	task := &taskdomain.Task{Kind: "agent:echo", Input: map[string]any{"k": "v"}}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()

	got := waitForStatus(t, store, task.ID, taskdomain.StatusDone)
	if got.Output["k"] != "v" {
		t.Fatalf("output: %+v", got.Output)
	}
	if got.TotalCost <= 0 {
		t.Fatalf("expected usage cost on the row, got %v", got.TotalCost)
	}

	select {
	case update := <-updates.ch:
		if update.TaskID != task.ID || update.Status != string(taskdomain.StatusDone) {
			t.Fatalf("update: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("machine run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("machine did not stop")
	}

	kinds := map[auditdomain.EventKind]bool{}
	for _, ev := range auditStore.All() {
		kinds[ev.Kind] = true
	}
	if !kinds[auditdomain.TaskClaimed] || !kinds[auditdomain.TaskDone] {
		t.Fatalf("audit kinds: %v", kinds)
	}
}

func TestMachineRecordsAgentFailure(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	auditStore := auditinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()

	broken := &stubAgent{execute: func(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error) {
		return nil, taskdomain.Usage{Model: "m", Cost: 0.01}, fmt.Errorf("model refused")
	}}
	router := testRouter(t, map[string]agent.Agent{"broken": broken})

	lease := NewLeaseManager(store, auditStore, metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, auditStore, nil, metrics, router, clk)

	task := &taskdomain.Task{Kind: "agent:broken", Input: map[string]any{}}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := taskMachine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != TaskFailed {
		t.Fatalf("state = %s, want %s", state, TaskFailed)
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusError || got.Error != "model refused" {
		t.Fatalf("row: status=%s error=%q", got.Status, got.Error)
	}
	if got.TotalCost != 0.01 {
		t.Fatalf("failed attempts still cost money, got %v", got.TotalCost)
	}
}

func TestTaskMachineIdle(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()

	lease := NewLeaseManager(store, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, nil, nil, metrics, testRouter(t, nil), clk)

	state, err := taskMachine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != TaskIdle {
		t.Fatalf("state = %s, want %s", state, TaskIdle)
	}
}

// renewLostStore fails every renewal, simulating a lease taken over by
// another worker mid-execution.
type renewLostStore struct {
	taskdomain.Store
}

func (s *renewLostStore) RenewLease(ctx context.Context, id, workerID string, now time.Time, leaseDuration time.Duration) error {
	return fmt.Errorf("renew lease for %s: %w", id, taskdomain.ErrClaimLost)
}

func TestTaskMachineAbandonsOnLostLease(t *testing.T) {
	mem := taskinfra.NewMemoryStore()
	store := &renewLostStore{Store: mem}
	metrics := testMetrics(t)
	clk := clock.System()

	slow := &stubAgent{execute: func(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error) {
		select {
		case <-ctx.Done():
			return nil, taskdomain.Usage{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return map[string]any{}, taskdomain.Usage{}, nil
		}
	}}
	router := testRouter(t, map[string]agent.Agent{"slow": slow})

	// 60ms lease means the first renewal fires after 20ms, well before the
	// agent would finish on its own.
	lease := NewLeaseManager(store, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", 60*time.Millisecond)
	taskMachine := NewTaskMachine(lease, store, nil, nil, metrics, router, clk)

	task := &taskdomain.Task{Kind: "agent:slow", Input: map[string]any{}}
	if err := mem.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := taskMachine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != TaskAbandoned {
		t.Fatalf("state = %s, want %s", state, TaskAbandoned)
	}

	// No terminal write happened; the row is still leased until it expires.
	got, err := mem.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

// downStore simulates a database outage on the claim path.
type downStore struct {
	taskdomain.Store
	claims atomic.Int64
}

func (s *downStore) ClaimNext(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*taskdomain.Claim, error) {
	s.claims.Add(1)
	return nil, fmt.Errorf("claim next: %w", taskdomain.ErrDatabaseUnavailable)
}

func (s *downStore) RecoverExpired(ctx context.Context, now time.Time) (taskdomain.RecoveryResult, error) {
	s.claims.Add(1)
	return taskdomain.RecoveryResult{}, fmt.Errorf("recover expired: %w", taskdomain.ErrDatabaseUnavailable)
}

func TestMachineReconnectsOnStoreOutage(t *testing.T) {
	metrics := testMetrics(t)
	clk := clock.System()
	down := &downStore{Store: taskinfra.NewMemoryStore()}

	lease := NewLeaseManager(down, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, down, nil, nil, metrics, testRouter(t, nil), clk)
	machine := NewMachine(lease, taskMachine, metrics, clk, Options{
		PollMinInterval:  5 * time.Millisecond,
		PollMaxInterval:  10 * time.Millisecond,
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := machine.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if down.claims.Load() < 2 {
		t.Fatalf("expected repeated reconnect attempts, got %d", down.claims.Load())
	}
}

func TestNoWorkRoutesThroughBackingOff(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()

	lease := NewLeaseManager(store, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, nil, nil, metrics, testRouter(t, nil), clk)
	machine := NewMachine(lease, taskMachine, metrics, clk, Options{
		PollMinInterval:  5 * time.Millisecond,
		PollMaxInterval:  20 * time.Millisecond,
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  time.Second,
	})
	machine.lastRecovery = clk.Now()
	ctx := context.Background()

	state, err := machine.handleRunning(ctx)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if state != StateBackingOff {
		t.Fatalf("empty poll went to %s, want %s", state, StateBackingOff)
	}

	state, err = machine.handleBackingOff(ctx)
	if err != nil {
		t.Fatalf("backing off: %v", err)
	}
	if state != StateRunning {
		t.Fatalf("backoff resumed at %s, want %s", state, StateRunning)
	}
	if machine.idleDelay != 10*time.Millisecond {
		t.Fatalf("idle delay = %s, want doubled floor", machine.idleDelay)
	}

	// A successful claim resets the poll delay to the floor.
	task := &taskdomain.Task{Kind: "agent:echo", Input: map[string]any{}}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	state, err = machine.handleRunning(ctx)
	if err != nil {
		t.Fatalf("running with work: %v", err)
	}
	if state != StateRunning {
		t.Fatalf("claim cycle went to %s, want %s", state, StateRunning)
	}
	if machine.idleDelay != 5*time.Millisecond {
		t.Fatalf("idle delay = %s, want floor after claim", machine.idleDelay)
	}
}

func TestMachineNormalizesRawAgentOutput(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()

	// Near-JSON with single quotes and a trailing comma, the way models
	// actually hand it back.
	raw := &stubAgent{execute: func(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error) {
		return `{'approved': true, 'verdict': 'fine',}`, taskdomain.Usage{Model: "m", Cost: 0.01}, nil
	}}
	router := testRouter(t, map[string]agent.Agent{"raw": raw})

	lease := NewLeaseManager(store, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, nil, nil, metrics, router, clk)

	task := &taskdomain.Task{Kind: "agent:raw", Input: map[string]any{}}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := taskMachine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != TaskCompleted {
		t.Fatalf("state = %s, want %s", state, TaskCompleted)
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Output["approved"] != true || got.Output["verdict"] != "fine" {
		t.Fatalf("output not repaired: %+v", got.Output)
	}
}

func TestMachineDrainsInFlightTaskOnShutdown(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()

	release := make(chan struct{})
	slow := &stubAgent{execute: func(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error) {
		select {
		case <-release:
			return map[string]any{"drained": true}, taskdomain.Usage{}, nil
		case <-ctx.Done():
			return nil, taskdomain.Usage{}, ctx.Err()
		}
	}}
	router := testRouter(t, map[string]agent.Agent{"slow": slow})

	lease := NewLeaseManager(store, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, nil, nil, metrics, router, clk)
	machine := NewMachine(lease, taskMachine, metrics, clk, Options{
		PollMinInterval:  5 * time.Millisecond,
		PollMaxInterval:  20 * time.Millisecond,
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  5 * time.Second,
	})

	task := &taskdomain.Task{Kind: "agent:slow", Input: map[string]any{}}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()

	waitForStatus(t, store, task.ID, taskdomain.StatusRunning)
	cancel()
	// Shutdown is in progress with the task still in flight; releasing the
	// agent must let it finish and report inside the drain window.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("machine run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop within the drain window")
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusDone || got.Output["drained"] != true {
		t.Fatalf("row: status=%s output=%+v", got.Status, got.Output)
	}
}

func TestMachineShutdownBudgetAbandonsStuckTask(t *testing.T) {
	store := taskinfra.NewMemoryStore()
	metrics := testMetrics(t)
	clk := clock.System()

	stuck := &stubAgent{execute: func(ctx context.Context, input map[string]any) (any, taskdomain.Usage, error) {
		<-ctx.Done()
		return nil, taskdomain.Usage{}, ctx.Err()
	}}
	router := testRouter(t, map[string]agent.Agent{"stuck": stuck})

	lease := NewLeaseManager(store, auditinfra.NewMemoryStore(), metrics, clk, "test-worker", time.Minute)
	taskMachine := NewTaskMachine(lease, store, nil, nil, metrics, router, clk)
	machine := NewMachine(lease, taskMachine, metrics, clk, Options{
		PollMinInterval:  5 * time.Millisecond,
		PollMaxInterval:  20 * time.Millisecond,
		RecoveryInterval: time.Hour,
		ShutdownTimeout:  50 * time.Millisecond,
	})

	task := &taskdomain.Task{Kind: "agent:stuck", Input: map[string]any{}}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()

	waitForStatus(t, store, task.ID, taskdomain.StatusRunning)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("machine run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop after the shutdown budget")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %s, budget was 50ms", elapsed)
	}

	// No terminal write: the row stays leased until another worker's
	// recovery sweep picks it up.
	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond}
	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay shrank: %s after %s", d, prev)
		}
		if d > b.Max+b.Max/4 {
			t.Fatalf("delay %s exceeds cap with jitter", d)
		}
		prev = d
	}
	b.Reset()
	if d := b.Next(); d > b.Min+b.Min/4 {
		t.Fatalf("reset delay %s should be near Min", d)
	}
}
