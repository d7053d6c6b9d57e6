package task

import (
	"context"
	"errors"
	"testing"
	"time"

	taskdomain "orchard/internal/domain/task"
	"orchard/internal/domain/workflow"
)

const leaseDuration = 5 * time.Minute

func newPendingTask(kind string) *taskdomain.Task {
	return &taskdomain.Task{Kind: kind, Input: map[string]any{"topic": "queues"}}
}

func TestMemoryStoreClaimIncrementsTryCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	task := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	claim, err := store.ClaimNext(ctx, "w1", now, leaseDuration)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim == nil {
		t.Fatal("expected a claim")
	}
	if claim.Recovered {
		t.Fatal("fresh claim must not be marked recovered")
	}
	if claim.Task.TryCount != 1 {
		t.Fatalf("try_count = %d, want 1", claim.Task.TryCount)
	}
	if claim.Task.Status != taskdomain.StatusRunning {
		t.Fatalf("status = %s", claim.Task.Status)
	}
	if claim.Task.LockedBy != "w1" {
		t.Fatalf("locked_by = %s", claim.Task.LockedBy)
	}

	// The row is leased; a second claim finds nothing.
	second, err := store.ClaimNext(ctx, "w2", now, leaseDuration)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected empty queue, got task %s", second.Task.ID)
	}
}

func TestMemoryStoreClaimPrefersSubtasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	parent := newPendingTask("workflow:report")
	parent.CreatedAt = now.Add(-time.Hour)
	if err := store.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	older := newPendingTask("agent:echo")
	older.CreatedAt = now.Add(-30 * time.Minute)
	if err := store.CreateTask(ctx, older); err != nil {
		t.Fatalf("create older: %v", err)
	}
	sub := &taskdomain.Task{
		Kind: "agent:research", ParentID: parent.ID, AgentType: "research",
		Iteration: 1, StepName: "research", CreatedAt: now,
	}
	if err := store.CreateSubtask(ctx, sub); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	claim, err := store.ClaimNext(ctx, "w1", now, leaseDuration)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim == nil || claim.Task.ID != sub.ID {
		t.Fatalf("expected the newer subtask to win the claim")
	}
}

func TestMemoryStoreExpiredLeaseReclaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	task := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "w1", now, leaseDuration); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	after := now.Add(leaseDuration + time.Second)
	claim, err := store.ClaimNext(ctx, "w2", after, leaseDuration)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if claim == nil {
		t.Fatal("expected to reclaim the expired lease")
	}
	if !claim.Recovered || claim.PrevLockedBy != "w1" {
		t.Fatalf("recovered=%t prev=%s", claim.Recovered, claim.PrevLockedBy)
	}
	if claim.Task.TryCount != 2 {
		t.Fatalf("try_count = %d, want 2", claim.Task.TryCount)
	}
}

func TestMemoryStoreRenewLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	task := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "w1", now, leaseDuration); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.RenewLease(ctx, task.ID, "w1", now.Add(time.Minute), leaseDuration); err != nil {
		t.Fatalf("renew: %v", err)
	}
	// Wrong holder.
	if err := store.RenewLease(ctx, task.ID, "w2", now.Add(time.Minute), leaseDuration); !errors.Is(err, taskdomain.ErrClaimLost) {
		t.Fatalf("want ErrClaimLost for wrong holder, got %v", err)
	}
	// A renewal arriving exactly at the deadline is too late.
	deadline := now.Add(time.Minute).Add(leaseDuration)
	if err := store.RenewLease(ctx, task.ID, "w1", deadline, leaseDuration); !errors.Is(err, taskdomain.ErrClaimLost) {
		t.Fatalf("want ErrClaimLost at exact deadline, got %v", err)
	}
}

func TestMemoryStoreRecoverExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	fresh := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	spent := newPendingTask("agent:echo")
	spent.MaxTries = 1
	if err := store.CreateTask(ctx, spent); err != nil {
		t.Fatalf("create spent: %v", err)
	}

	if _, err := store.ClaimNext(ctx, "w1", now, leaseDuration); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "w1", now, leaseDuration); err != nil {
		t.Fatalf("claim 2: %v", err)
	}

	result, err := store.RecoverExpired(ctx, now.Add(leaseDuration+time.Second))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(result.Recovered) != 1 || result.Recovered[0].TaskID != fresh.ID {
		t.Fatalf("recovered: %+v", result.Recovered)
	}
	if result.Recovered[0].PrevLockedBy != "w1" {
		t.Fatalf("prev locked by: %s", result.Recovered[0].PrevLockedBy)
	}
	if len(result.Exhausted) != 1 || result.Exhausted[0] != spent.ID {
		t.Fatalf("exhausted: %v", result.Exhausted)
	}

	got, err := store.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.Status != taskdomain.StatusPending {
		t.Fatalf("fresh status = %s, want pending", got.Status)
	}

	failed, err := store.Get(ctx, spent.ID)
	if err != nil {
		t.Fatalf("get spent: %v", err)
	}
	if failed.Status != taskdomain.StatusError || failed.Error != taskdomain.MaxRetriesMessage {
		t.Fatalf("spent row: status=%s error=%q", failed.Status, failed.Error)
	}
}

func TestMemoryStoreExhaustedPendingFailsAtClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	task := newPendingTask("agent:echo")
	task.TryCount = 3
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	claim, err := store.ClaimNext(ctx, "w1", now, leaseDuration)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim != nil {
		t.Fatal("exhausted row must not be claimable")
	}
	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusError || got.Error != taskdomain.MaxRetriesMessage {
		t.Fatalf("row: status=%s error=%q", got.Status, got.Error)
	}
}

func TestMemoryStoreReportDisambiguation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	task := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "w1", now, leaseDuration); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Wrong holder cannot write a terminal state.
	err := store.ReportDone(ctx, task.ID, "w2", map[string]any{"ok": true}, taskdomain.Usage{})
	if !errors.Is(err, taskdomain.ErrClaimLost) {
		t.Fatalf("want ErrClaimLost, got %v", err)
	}

	usage := taskdomain.Usage{Model: "m", InputTokens: 10, OutputTokens: 20, Cost: 0.25}
	if err := store.ReportDone(ctx, task.ID, "w1", map[string]any{"ok": true}, usage); err != nil {
		t.Fatalf("report done: %v", err)
	}

	// Terminal rows are immutable.
	err = store.ReportError(ctx, task.ID, "w1", "late failure", taskdomain.Usage{})
	if !errors.Is(err, taskdomain.ErrTerminalTask) {
		t.Fatalf("want ErrTerminalTask, got %v", err)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusDone || got.TotalCost != 0.25 || got.ModelUsed != "m" {
		t.Fatalf("row after done: %+v", got)
	}

	err = store.ReportDone(ctx, "missing", "w1", nil, taskdomain.Usage{})
	if !errors.Is(err, taskdomain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSubtaskRollsUpParent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	parent := newPendingTask("workflow:report")
	if err := store.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	sub := &taskdomain.Task{
		Kind: "agent:research", ParentID: parent.ID, AgentType: "research",
		Iteration: 1, StepName: "research",
	}
	if err := store.CreateSubtask(ctx, sub); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	claim, err := store.ClaimNext(ctx, "w1", now, leaseDuration)
	if err != nil || claim == nil || claim.Task.ID != sub.ID {
		t.Fatalf("claim subtask: %v %+v", err, claim)
	}
	usage := taskdomain.Usage{Model: "m", InputTokens: 100, OutputTokens: 50, Cost: 0.5}
	if err := store.ReportDone(ctx, sub.ID, "w1", map[string]any{"summary": "s"}, usage); err != nil {
		t.Fatalf("report: %v", err)
	}

	p, err := store.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if p.TotalCost != 0.5 || p.InputTokens != 100 || p.OutputTokens != 50 {
		t.Fatalf("parent rollup: cost=%v in=%d out=%d", p.TotalCost, p.InputTokens, p.OutputTokens)
	}
	if p.Status != taskdomain.StatusPending {
		t.Fatalf("rollup must not change parent status, got %s", p.Status)
	}
}

func TestMemoryStoreRollupSkipsTerminalParent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	parent := newPendingTask("workflow:report")
	if err := store.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	sub := &taskdomain.Task{
		Kind: "agent:research", ParentID: parent.ID, AgentType: "research",
		Iteration: 1, StepName: "research",
	}
	if err := store.CreateSubtask(ctx, sub); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	// Finalize the parent first; the subtask's late report must not touch
	// its totals.
	claim, err := store.ClaimNext(ctx, "w1", now, leaseDuration)
	if err != nil || claim == nil || claim.Task.ID != sub.ID {
		t.Fatalf("claim subtask: %v %+v", err, claim)
	}
	pclaim, err := store.ClaimNext(ctx, "w2", now, leaseDuration)
	if err != nil || pclaim == nil || pclaim.Task.ID != parent.ID {
		t.Fatalf("claim parent: %v %+v", err, pclaim)
	}
	if err := store.ReportDone(ctx, parent.ID, "w2", map[string]any{}, taskdomain.Usage{Cost: 1.0}); err != nil {
		t.Fatalf("finalize parent: %v", err)
	}

	usage := taskdomain.Usage{Model: "m", InputTokens: 100, OutputTokens: 50, Cost: 0.5}
	if err := store.ReportDone(ctx, sub.ID, "w1", map[string]any{"summary": "s"}, usage); err != nil {
		t.Fatalf("report subtask: %v", err)
	}

	p, err := store.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if p.TotalCost != 1.0 || p.InputTokens != 0 || p.OutputTokens != 0 {
		t.Fatalf("terminal parent mutated: cost=%v in=%d out=%d", p.TotalCost, p.InputTokens, p.OutputTokens)
	}
}

func TestMemoryStoreWorkflowState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	parent := newPendingTask("workflow:report")
	if err := store.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	if _, err := store.GetWorkflowState(ctx, parent.ID); !errors.Is(err, taskdomain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	state := &workflow.State{
		ParentID: parent.ID, WorkflowName: "report",
		CurrentStep: 1, CurrentIteration: 2, MaxIterations: 3,
		Accumulated: map[string]any{"research": map[string]any{"summary": "s"}},
	}
	if err := store.UpsertWorkflowState(ctx, state); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetWorkflowState(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentStep != 1 || got.CurrentIteration != 2 || got.Converged {
		t.Fatalf("state: %+v", got)
	}
}

func TestMemoryStoreDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	done := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "w1", now.Add(-2*time.Hour), leaseDuration); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.ReportDone(ctx, done.ID, "w1", nil, taskdomain.Usage{}); err != nil {
		t.Fatalf("report: %v", err)
	}
	live := newPendingTask("agent:echo")
	if err := store.CreateTask(ctx, live); err != nil {
		t.Fatalf("create live: %v", err)
	}

	removed, err := store.DeleteTerminalBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, done.ID); !errors.Is(err, taskdomain.ErrNotFound) {
		t.Fatalf("terminal row should be gone, got %v", err)
	}
	if _, err := store.Get(ctx, live.ID); err != nil {
		t.Fatalf("pending row must survive: %v", err)
	}
}
