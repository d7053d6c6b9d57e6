// Package task provides the Postgres-backed implementation of the task store
// and lease protocol. Claiming relies on row-level locking with
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same row.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	taskdomain "orchard/internal/domain/task"
	"orchard/internal/domain/workflow"
	"orchard/internal/shared/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tasksTable          = "tasks"
	workflowStatesTable = "workflow_states"
)

// PostgresStore implements taskdomain.Store backed by Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ taskdomain.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed task store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapError("ping", err)
	}
	return pool, nil
}

// EnsureSchema creates the tasks and workflow_states tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id            UUID PRIMARY KEY,
    kind          TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    input         JSONB NOT NULL DEFAULT '{}',
    output        JSONB,
    error         TEXT,
    user_hash     TEXT,
    tenant        TEXT,
    model_used    TEXT,
    input_tokens  BIGINT NOT NULL DEFAULT 0,
    output_tokens BIGINT NOT NULL DEFAULT 0,
    total_cost    NUMERIC(18,6) NOT NULL DEFAULT 0 CHECK (total_cost >= 0),
    trace_id      TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_at     TIMESTAMPTZ,
    locked_by     TEXT,
    lease_timeout TIMESTAMPTZ,
    try_count     INTEGER NOT NULL DEFAULT 0 CHECK (try_count >= 0),
    max_tries     INTEGER NOT NULL DEFAULT 3 CHECK (max_tries >= 1),
    parent_id     UUID REFERENCES ` + tasksTable + `(id),
    agent_type    TEXT,
    iteration     INTEGER,
    step_name     TEXT,
    CHECK (try_count <= max_tries)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON ` + tasksTable + ` (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_running_lease ON ` + tasksTable + ` (status, lease_timeout)
    WHERE status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pending_created ON ` + tasksTable + ` (created_at)
    WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON ` + tasksTable + ` (parent_id)
    WHERE parent_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS ` + workflowStatesTable + ` (
    parent_id         UUID PRIMARY KEY REFERENCES ` + tasksTable + `(id),
    workflow_name     TEXT NOT NULL,
    current_step      INTEGER NOT NULL DEFAULT 0,
    current_iteration INTEGER NOT NULL DEFAULT 1,
    max_iterations    INTEGER NOT NULL,
    converged         BOOLEAN NOT NULL DEFAULT FALSE,
    accumulated       JSONB NOT NULL DEFAULT '{}',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (current_iteration >= 1 AND current_iteration <= max_iterations)
)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return mapError("ensure task schema", err)
		}
	}
	return nil
}

// CreateTask inserts a pending task row, generating id and defaults.
func (s *PostgresStore) CreateTask(ctx context.Context, t *taskdomain.Task) error {
	return s.insert(ctx, t, false)
}

// CreateSubtask inserts a pending subtask row for an orchestrated step.
func (s *PostgresStore) CreateSubtask(ctx context.Context, t *taskdomain.Task) error {
	if t.ParentID == "" {
		return fmt.Errorf("subtask requires parent_id")
	}
	if t.Iteration < 1 {
		return fmt.Errorf("subtask requires a positive iteration, got %d", t.Iteration)
	}
	return s.insert(ctx, t, true)
}

func (s *PostgresStore) insert(ctx context.Context, t *taskdomain.Task, subtask bool) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	if t.Kind == "" {
		return fmt.Errorf("task kind required")
	}
	if _, _, err := taskdomain.ParseKind(t.Kind); err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
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

	inputJSON, err := json.Marshal(orEmpty(t.Input))
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	var parentID, agentType, stepName *string
	var iteration *int
	if subtask {
		parentID = &t.ParentID
		agentType = &t.AgentType
		iteration = &t.Iteration
		if t.StepName != "" {
			stepName = &t.StepName
		}
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+tasksTable+` (
    id, kind, status, input, user_hash, tenant, trace_id,
    created_at, updated_at, try_count, max_tries,
    parent_id, agent_type, iteration, step_name
) VALUES (
    $1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
    $8, $9, $10, $11,
    $12, $13, $14, $15
)`,
		t.ID, t.Kind, string(t.Status), inputJSON, t.UserHash, t.Tenant, t.TraceID,
		t.CreatedAt, t.UpdatedAt, t.TryCount, t.MaxTries,
		parentID, agentType, iteration, stepName,
	)
	if err != nil {
		return mapError("create task", err)
	}
	return nil
}

// Get retrieves a row by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	row := s.pool.QueryRow(ctx, selectColumns+` FROM `+tasksTable+` WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, taskdomain.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get task", err)
	}
	return t, nil
}

// ListSubtasks returns the subtasks of a parent in creation order.
func (s *PostgresStore) ListSubtasks(ctx context.Context, parentID string) ([]*taskdomain.Task, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
FROM `+tasksTable+` WHERE parent_id = $1 ORDER BY created_at ASC, iteration ASC`, parentID)
	if err != nil {
		return nil, mapError("list subtasks", err)
	}
	return collectTasks(rows)
}

// ClaimNext claims the oldest eligible row for workerID in one transaction:
// first sweeping retry-exhausted candidates to error, then locking and
// updating a single row with SKIP LOCKED semantics.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*taskdomain.Claim, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	now = now.UTC()
	leaseTimeout := now.Add(leaseDuration)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError("begin claim tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	// Candidates whose retry budget is already spent never run again; they
	// fail here so the claim below only sees runnable rows.
	_, err = tx.Exec(ctx, `
WITH exhausted AS (
    SELECT id FROM `+tasksTable+`
    WHERE (status = 'pending' OR (status = 'running' AND lease_timeout < $1))
      AND try_count >= max_tries
    FOR UPDATE SKIP LOCKED
)
UPDATE `+tasksTable+` AS t
SET status = 'error', error = $2, updated_at = $1
FROM exhausted e
WHERE t.id = e.id`,
		now, taskdomain.MaxRetriesMessage)
	if err != nil {
		return nil, mapError("sweep exhausted", err)
	}

	row := tx.QueryRow(ctx, `
WITH candidate AS (
    SELECT id, status AS prev_status, locked_by AS prev_locked_by
    FROM `+tasksTable+`
    WHERE (status = 'pending' OR (status = 'running' AND lease_timeout < $1))
      AND try_count < max_tries
    ORDER BY (parent_id IS NOT NULL) DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE `+tasksTable+` AS t
SET status = 'running', locked_by = $2, locked_at = $1,
    lease_timeout = $3, try_count = t.try_count + 1, updated_at = $1
FROM candidate c
WHERE t.id = c.id
RETURNING `+scanColumns("t")+`, c.prev_status, c.prev_locked_by`,
		now, workerID, leaseTimeout)

	claimed, prevStatus, prevLockedBy, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, mapError("commit empty claim", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, mapError("claim next", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit claim", err)
	}

	return &taskdomain.Claim{
		Task:         claimed,
		Recovered:    prevStatus == string(taskdomain.StatusRunning),
		PrevLockedBy: prevLockedBy,
	}, nil
}

// RenewLease extends the lease for a row workerID still holds. A lease at
// exactly now is already expired.
func (s *PostgresStore) RenewLease(ctx context.Context, id, workerID string, now time.Time, leaseDuration time.Duration) error {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+`
SET lease_timeout = $4, updated_at = $3
WHERE id = $1 AND locked_by = $2 AND status = 'running' AND lease_timeout > $3`,
		id, workerID, now, now.Add(leaseDuration))
	if err != nil {
		return mapError("renew lease", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("renew lease for %s: %w", id, taskdomain.ErrClaimLost)
	}
	return nil
}

// RecoverExpired returns expired-lease rows to pending (or to error when the
// retry budget is spent). Both branches run in one transaction.
func (s *PostgresStore) RecoverExpired(ctx context.Context, now time.Time) (taskdomain.RecoveryResult, error) {
	var result taskdomain.RecoveryResult
	if s == nil || s.pool == nil {
		return result, fmt.Errorf("task store not initialized")
	}
	now = now.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, mapError("begin recovery tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	rows, err := tx.Query(ctx, `
WITH expired AS (
    SELECT id FROM `+tasksTable+`
    WHERE status = 'running' AND lease_timeout < $1 AND try_count >= max_tries
    FOR UPDATE SKIP LOCKED
)
UPDATE `+tasksTable+` AS t
SET status = 'error', error = $2, updated_at = $1
FROM expired e
WHERE t.id = e.id
RETURNING t.id`,
		now, taskdomain.MaxRetriesMessage)
	if err != nil {
		return result, mapError("recover exhausted", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return result, mapError("scan exhausted", err)
		}
		result.Exhausted = append(result.Exhausted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, mapError("recover exhausted", err)
	}

	rows, err = tx.Query(ctx, `
WITH expired AS (
    SELECT id, locked_by FROM `+tasksTable+`
    WHERE status = 'running' AND lease_timeout < $1 AND try_count < max_tries
    FOR UPDATE SKIP LOCKED
)
UPDATE `+tasksTable+` AS t
SET status = 'pending', updated_at = $1
FROM expired e
WHERE t.id = e.id
RETURNING t.id, e.locked_by`,
		now)
	if err != nil {
		return result, mapError("recover expired", err)
	}
	for rows.Next() {
		var rec taskdomain.RecoveredLease
		var prev *string
		if err := rows.Scan(&rec.TaskID, &prev); err != nil {
			rows.Close()
			return result, mapError("scan recovered", err)
		}
		if prev != nil {
			rec.PrevLockedBy = *prev
		}
		result.Recovered = append(result.Recovered, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, mapError("recover expired", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, mapError("commit recovery", err)
	}
	return result, nil
}

// ReportDone writes the terminal success state under the owning-worker
// discipline; the parent rollup for subtasks shares the transaction.
func (s *PostgresStore) ReportDone(ctx context.Context, id, workerID string, output map[string]any, usage taskdomain.Usage) error {
	outputJSON, err := json.Marshal(orEmpty(output))
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return s.reportTerminal(ctx, id, workerID, taskdomain.StatusDone, outputJSON, "", usage)
}

// ReportError writes the terminal failure state; same discipline as ReportDone.
func (s *PostgresStore) ReportError(ctx context.Context, id, workerID string, errMsg string, usage taskdomain.Usage) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return s.reportTerminal(ctx, id, workerID, taskdomain.StatusError, nil, errMsg, usage)
}

func (s *PostgresStore) reportTerminal(ctx context.Context, id, workerID string, status taskdomain.Status, outputJSON []byte, errMsg string, usage taskdomain.Usage) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	now := time.Now().UTC()
	cost := taskdomain.RoundCost(usage.Cost)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin report tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	// Read under lock to tell apart a lost claim from an illegal terminal
	// mutation; the two have different policies upstream.
	var curStatus, curLockedBy string
	var parentID *string
	err = tx.QueryRow(ctx, `
SELECT status, COALESCE(locked_by, ''), parent_id
FROM `+tasksTable+` WHERE id = $1 FOR UPDATE`, id).Scan(&curStatus, &curLockedBy, &parentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, taskdomain.ErrNotFound)
	}
	if err != nil {
		return mapError("read current status", err)
	}
	if taskdomain.Status(curStatus).IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", id, curStatus, taskdomain.ErrTerminalTask)
	}
	if curStatus != string(taskdomain.StatusRunning) || curLockedBy != workerID {
		return fmt.Errorf("task %s held by %q: %w", id, curLockedBy, taskdomain.ErrClaimLost)
	}

	_, err = tx.Exec(ctx, `
UPDATE `+tasksTable+`
SET status = $2, output = $3, error = NULLIF($4, ''),
    model_used = COALESCE(NULLIF($5, ''), model_used),
    input_tokens = input_tokens + $6, output_tokens = output_tokens + $7,
    total_cost = total_cost + $8, updated_at = $9
WHERE id = $1`,
		id, string(status), outputJSON, errMsg,
		usage.Model, usage.InputTokens, usage.OutputTokens, cost, now)
	if err != nil {
		return mapError("write terminal status", err)
	}

	if parentID != nil {
		// A parent already finalized keeps its totals; a late subtask write
		// must not mutate a terminal row.
		_, err = tx.Exec(ctx, `
UPDATE `+tasksTable+`
SET total_cost = total_cost + $2,
    input_tokens = input_tokens + $3, output_tokens = output_tokens + $4,
    model_used = COALESCE(NULLIF($5, ''), model_used), updated_at = $6
WHERE id = $1 AND status NOT IN ($7, $8)`,
			*parentID, cost, usage.InputTokens, usage.OutputTokens, usage.Model, now,
			string(taskdomain.StatusDone), string(taskdomain.StatusError))
		if err != nil {
			return mapError("roll up parent cost", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("commit report", err)
	}
	return nil
}

// UpsertWorkflowState creates or replaces the bookkeeping row for a parent task.
func (s *PostgresStore) UpsertWorkflowState(ctx context.Context, state *workflow.State) error {
	accJSON, err := json.Marshal(orEmpty(state.Accumulated))
	if err != nil {
		return fmt.Errorf("marshal accumulated: %w", err)
	}
	state.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+workflowStatesTable+` (parent_id, workflow_name, current_step, current_iteration, max_iterations, converged, accumulated, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (parent_id) DO UPDATE SET
    current_step = EXCLUDED.current_step,
    current_iteration = EXCLUDED.current_iteration,
    converged = EXCLUDED.converged,
    accumulated = EXCLUDED.accumulated,
    updated_at = EXCLUDED.updated_at`,
		state.ParentID, state.WorkflowName, state.CurrentStep, state.CurrentIteration,
		state.MaxIterations, state.Converged, accJSON, state.UpdatedAt)
	if err != nil {
		return mapError("upsert workflow state", err)
	}
	return nil
}

// GetWorkflowState loads the bookkeeping row for a parent task.
func (s *PostgresStore) GetWorkflowState(ctx context.Context, parentID string) (*workflow.State, error) {
	var st workflow.State
	var accJSON []byte
	err := s.pool.QueryRow(ctx, `
SELECT parent_id, workflow_name, current_step, current_iteration, max_iterations, converged, accumulated, updated_at
FROM `+workflowStatesTable+` WHERE parent_id = $1`, parentID).Scan(
		&st.ParentID, &st.WorkflowName, &st.CurrentStep, &st.CurrentIteration,
		&st.MaxIterations, &st.Converged, &accJSON, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow state %s: %w", parentID, taskdomain.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get workflow state", err)
	}
	if len(accJSON) > 0 {
		_ = json.Unmarshal(accJSON, &st.Accumulated)
	}
	return &st, nil
}

// DeleteTerminalBefore archives terminal rows older than the cutoff. Subtask
// rows go first to satisfy the parent foreign key.
func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, mapError("begin archive tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	subTag, err := tx.Exec(ctx, `
DELETE FROM `+tasksTable+`
WHERE parent_id IS NOT NULL AND status IN ('done', 'error') AND updated_at < $1
  AND parent_id IN (SELECT id FROM `+tasksTable+` WHERE status IN ('done', 'error') AND updated_at < $1)`,
		before)
	if err != nil {
		return 0, mapError("archive subtasks", err)
	}
	_, err = tx.Exec(ctx, `
DELETE FROM `+workflowStatesTable+`
WHERE parent_id IN (
    SELECT id FROM `+tasksTable+`
    WHERE parent_id IS NULL AND status IN ('done', 'error') AND updated_at < $1
      AND NOT EXISTS (SELECT 1 FROM `+tasksTable+` c WHERE c.parent_id = `+tasksTable+`.id)
)`, before)
	if err != nil {
		return 0, mapError("archive workflow states", err)
	}
	taskTag, err := tx.Exec(ctx, `
DELETE FROM `+tasksTable+`
WHERE parent_id IS NULL AND status IN ('done', 'error') AND updated_at < $1
  AND NOT EXISTS (SELECT 1 FROM `+tasksTable+` c WHERE c.parent_id = `+tasksTable+`.id)`,
		before)
	if err != nil {
		return 0, mapError("archive tasks", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapError("commit archive", err)
	}
	return subTag.RowsAffected() + taskTag.RowsAffected(), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// ── Internal helpers ──────────────────────────────────────────────────────────

const selectColumns = `SELECT id, kind, status, input, output, error, user_hash, tenant,
       model_used, input_tokens, output_tokens, total_cost, trace_id,
       created_at, updated_at, locked_at, locked_by, lease_timeout,
       try_count, max_tries, parent_id, agent_type, iteration, step_name`

// scanColumns renders the column list qualified by an alias for RETURNING.
func scanColumns(alias string) string {
	cols := []string{
		"id", "kind", "status", "input", "output", "error", "user_hash", "tenant",
		"model_used", "input_tokens", "output_tokens", "total_cost", "trace_id",
		"created_at", "updated_at", "locked_at", "locked_by", "lease_timeout",
		"try_count", "max_tries", "parent_id", "agent_type", "iteration", "step_name",
	}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInto(row rowScanner, t *taskdomain.Task, extra ...any) error {
	var (
		inputJSON, outputJSON                            []byte
		errMsg, userHash, tenant, modelUsed, traceID     *string
		lockedBy, parentID, agentType, stepName          *string
		lockedAt, leaseTimeout                           *time.Time
		iteration                                        *int
		status                                           string
	)

	dest := []any{
		&t.ID, &t.Kind, &status, &inputJSON, &outputJSON, &errMsg, &userHash, &tenant,
		&modelUsed, &t.InputTokens, &t.OutputTokens, &t.TotalCost, &traceID,
		&t.CreatedAt, &t.UpdatedAt, &lockedAt, &lockedBy, &leaseTimeout,
		&t.TryCount, &t.MaxTries, &parentID, &agentType, &iteration, &stepName,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}

	t.Status = taskdomain.Status(status)
	if len(inputJSON) > 0 {
		_ = json.Unmarshal(inputJSON, &t.Input)
	}
	if len(outputJSON) > 0 && string(outputJSON) != "null" {
		_ = json.Unmarshal(outputJSON, &t.Output)
	}
	for src, dst := range map[*string]*string{
		errMsg: &t.Error, userHash: &t.UserHash, tenant: &t.Tenant,
		modelUsed: &t.ModelUsed, traceID: &t.TraceID, lockedBy: &t.LockedBy,
		parentID: &t.ParentID, agentType: &t.AgentType, stepName: &t.StepName,
	} {
		if src != nil {
			*dst = *src
		}
	}
	t.LockedAt = lockedAt
	t.LeaseTimeout = leaseTimeout
	if iteration != nil {
		t.Iteration = *iteration
	}
	return nil
}

func scanTask(row rowScanner) (*taskdomain.Task, error) {
	var t taskdomain.Task
	if err := scanInto(row, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanClaim(row rowScanner) (*taskdomain.Task, string, string, error) {
	var t taskdomain.Task
	var prevStatus string
	var prevLockedBy *string
	if err := scanInto(row, &t, &prevStatus, &prevLockedBy); err != nil {
		return nil, "", "", err
	}
	prev := ""
	if prevLockedBy != nil {
		prev = *prevLockedBy
	}
	return &t, prevStatus, prev, nil
}

func collectTasks(rows pgx.Rows) ([]*taskdomain.Task, error) {
	defer rows.Close()
	var tasks []*taskdomain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate tasks", err)
	}
	return tasks, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// mapError classifies driver failures into the domain taxonomy: connectivity
// problems are transient, integrity violations are programming errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "23": // integrity constraint violation
			return fmt.Errorf("%s: %w: %s", op, taskdomain.ErrConstraintViolation, pgErr.Message)
		case "08", "53", "57": // connection, resources, operator intervention
			return fmt.Errorf("%s: %w: %s", op, taskdomain.ErrDatabaseUnavailable, pgErr.Message)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, taskdomain.ErrDatabaseUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
