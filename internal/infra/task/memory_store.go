package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	taskdomain "orchard/internal/domain/task"
	"orchard/internal/domain/workflow"

	"github.com/google/uuid"
)

// MemoryStore is an in-process taskdomain.Store with the same lease and
// terminal-write semantics as the Postgres store. Used by tests and by the
// dev mode of the worker binary.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*taskdomain.Task
	states map[string]*workflow.State
}

var _ taskdomain.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*taskdomain.Task),
		states: make(map[string]*workflow.State),
	}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateTask(ctx context.Context, t *taskdomain.Task) error {
	return s.create(t, false)
}

func (s *MemoryStore) CreateSubtask(ctx context.Context, t *taskdomain.Task) error {
	if t.ParentID == "" {
		return fmt.Errorf("subtask requires parent_id")
	}
	if t.Iteration < 1 {
		return fmt.Errorf("subtask requires a positive iteration, got %d", t.Iteration)
	}
	return s.create(t, true)
}

func (s *MemoryStore) create(t *taskdomain.Task, subtask bool) error {
	if t.Kind == "" {
		return fmt.Errorf("task kind required")
	}
	if _, _, err := taskdomain.ParseKind(t.Kind); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if subtask {
		if _, ok := s.tasks[t.ParentID]; !ok {
			return fmt.Errorf("parent %s: %w", t.ParentID, taskdomain.ErrConstraintViolation)
		}
	}

	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s exists: %w", t.ID, taskdomain.ErrConstraintViolation)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = taskdomain.StatusPending
	}
	if t.MaxTries <= 0 {
		t.MaxTries = taskdomain.DefaultMaxTries
	}

	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, taskdomain.ErrNotFound)
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) ListSubtasks(ctx context.Context, parentID string) ([]*taskdomain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskdomain.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Iteration < out[j].Iteration
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*taskdomain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()

	// Retry-exhausted candidates fail before any claim is attempted.
	for _, t := range s.tasks {
		if s.claimable(t, now) && t.TryCount >= t.MaxTries {
			t.Status = taskdomain.StatusError
			t.Error = taskdomain.MaxRetriesMessage
			t.UpdatedAt = now
		}
	}

	var best *taskdomain.Task
	for _, t := range s.tasks {
		if !s.claimable(t, now) || t.TryCount >= t.MaxTries {
			continue
		}
		if best == nil || claimBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	recovered := best.Status == taskdomain.StatusRunning
	prevLockedBy := best.LockedBy

	best.Status = taskdomain.StatusRunning
	best.LockedBy = workerID
	lockedAt := now
	best.LockedAt = &lockedAt
	leaseTimeout := now.Add(leaseDuration)
	best.LeaseTimeout = &leaseTimeout
	best.TryCount++
	best.UpdatedAt = now

	clone := *best
	return &taskdomain.Claim{Task: &clone, Recovered: recovered, PrevLockedBy: prevLockedBy}, nil
}

func (s *MemoryStore) claimable(t *taskdomain.Task, now time.Time) bool {
	if t.Status == taskdomain.StatusPending {
		return true
	}
	return t.Status == taskdomain.StatusRunning && t.LeaseTimeout != nil && t.LeaseTimeout.Before(now)
}

// claimBefore orders candidates the way the claim query does: subtasks first,
// then oldest creation time.
func claimBefore(a, b *taskdomain.Task) bool {
	if a.IsSubtask() != b.IsSubtask() {
		return a.IsSubtask()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) RenewLease(ctx context.Context, id, workerID string, now time.Time, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()

	t, ok := s.tasks[id]
	if !ok || t.Status != taskdomain.StatusRunning || t.LockedBy != workerID ||
		t.LeaseTimeout == nil || !now.Before(*t.LeaseTimeout) {
		return fmt.Errorf("renew lease for %s: %w", id, taskdomain.ErrClaimLost)
	}
	leaseTimeout := now.Add(leaseDuration)
	t.LeaseTimeout = &leaseTimeout
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RecoverExpired(ctx context.Context, now time.Time) (taskdomain.RecoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()

	var result taskdomain.RecoveryResult
	for _, t := range s.tasks {
		if t.Status != taskdomain.StatusRunning || t.LeaseTimeout == nil || !t.LeaseTimeout.Before(now) {
			continue
		}
		if t.TryCount >= t.MaxTries {
			t.Status = taskdomain.StatusError
			t.Error = taskdomain.MaxRetriesMessage
			t.UpdatedAt = now
			result.Exhausted = append(result.Exhausted, t.ID)
			continue
		}
		result.Recovered = append(result.Recovered, taskdomain.RecoveredLease{
			TaskID:       t.ID,
			PrevLockedBy: t.LockedBy,
		})
		t.Status = taskdomain.StatusPending
		t.UpdatedAt = now
	}
	sort.Strings(result.Exhausted)
	sort.Slice(result.Recovered, func(i, j int) bool {
		return result.Recovered[i].TaskID < result.Recovered[j].TaskID
	})
	return result, nil
}

func (s *MemoryStore) ReportDone(ctx context.Context, id, workerID string, output map[string]any, usage taskdomain.Usage) error {
	return s.reportTerminal(id, workerID, taskdomain.StatusDone, output, "", usage)
}

func (s *MemoryStore) ReportError(ctx context.Context, id, workerID string, errMsg string, usage taskdomain.Usage) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return s.reportTerminal(id, workerID, taskdomain.StatusError, nil, errMsg, usage)
}

func (s *MemoryStore) reportTerminal(id, workerID string, status taskdomain.Status, output map[string]any, errMsg string, usage taskdomain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cost := taskdomain.RoundCost(usage.Cost)

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, taskdomain.ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, taskdomain.ErrTerminalTask)
	}
	if t.Status != taskdomain.StatusRunning || t.LockedBy != workerID {
		return fmt.Errorf("task %s held by %q: %w", id, t.LockedBy, taskdomain.ErrClaimLost)
	}

	t.Status = status
	t.Output = output
	t.Error = errMsg
	if usage.Model != "" {
		t.ModelUsed = usage.Model
	}
	t.InputTokens += usage.InputTokens
	t.OutputTokens += usage.OutputTokens
	t.TotalCost = taskdomain.RoundCost(t.TotalCost + cost)
	t.UpdatedAt = now

	if t.ParentID != "" {
		// A parent already finalized keeps its totals; a late subtask write
		// must not mutate a terminal row.
		if parent, ok := s.tasks[t.ParentID]; ok && !parent.Status.IsTerminal() {
			parent.TotalCost = taskdomain.RoundCost(parent.TotalCost + cost)
			parent.InputTokens += usage.InputTokens
			parent.OutputTokens += usage.OutputTokens
			if usage.Model != "" && parent.ModelUsed == "" {
				parent.ModelUsed = usage.Model
			}
			parent.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) UpsertWorkflowState(ctx context.Context, state *workflow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	clone := *state
	s.states[state.ParentID] = &clone
	return nil
}

func (s *MemoryStore) GetWorkflowState(ctx context.Context, parentID string) (*workflow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[parentID]
	if !ok {
		return nil, fmt.Errorf("workflow state %s: %w", parentID, taskdomain.ErrNotFound)
	}
	clone := *st
	return &clone, nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasLiveChild := make(map[string]bool)
	for _, t := range s.tasks {
		if t.ParentID == "" {
			continue
		}
		if !t.Status.IsTerminal() || !t.UpdatedAt.Before(before) {
			hasLiveChild[t.ParentID] = true
		}
	}

	var removed int64
	for id, t := range s.tasks {
		if !t.Status.IsTerminal() || !t.UpdatedAt.Before(before) {
			continue
		}
		if t.ParentID == "" {
			if hasLiveChild[id] {
				continue
			}
			// Subtasks of a removable parent go with it regardless of age.
			for cid, c := range s.tasks {
				if c.ParentID == id {
					delete(s.tasks, cid)
					removed++
				}
			}
			delete(s.states, id)
			delete(s.tasks, id)
			removed++
			continue
		}
		if parent, ok := s.tasks[t.ParentID]; ok && !parent.Status.IsTerminal() {
			continue
		}
		delete(s.tasks, id)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Close() {}
