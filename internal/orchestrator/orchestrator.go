// Package orchestrator executes workflow tasks by decomposing them into
// subtask rows on the same queue and folding subtask outputs into an
// accumulated state. Subtasks flow through the ordinary lease protocol, so
// any worker can pick them up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/domain/workflow"
	"orchard/internal/observability"
	"orchard/internal/registry"
	"orchard/internal/shared/clock"
	"orchard/internal/shared/logging"
)

const defaultPollInterval = 500 * time.Millisecond

// DefinitionRegistry resolves workflow names to parsed definitions.
type DefinitionRegistry = registry.Registry[*workflow.Definition]

// NewDefinitionRegistry registers every definition under its name.
func NewDefinitionRegistry(defs []*workflow.Definition) (*DefinitionRegistry, error) {
	r := registry.New[*workflow.Definition]()
	for _, def := range defs {
		def := def
		meta := registry.Metadata{Name: def.Name, Description: def.Description}
		if err := r.Register(meta, func() (*workflow.Definition, error) { return def, nil }); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Orchestrator runs workflow tasks. It satisfies the worker's Executor
// contract for workflow kinds.
type Orchestrator struct {
	store        taskdomain.Store
	audit        auditdomain.Store
	metrics      *observability.MetricsCollector
	clock        clock.Clock
	logger       logging.Logger
	definitions  *DefinitionRegistry
	pollInterval time.Duration
}

func New(store taskdomain.Store, audit auditdomain.Store, metrics *observability.MetricsCollector, clk clock.Clock, definitions *DefinitionRegistry) *Orchestrator {
	return &Orchestrator{
		store:        store,
		audit:        audit,
		metrics:      metrics,
		clock:        clk,
		logger:       logging.NewComponentLogger("Orchestrator"),
		definitions:  definitions,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the subtask poll cadence, mainly for tests.
func (o *Orchestrator) SetPollInterval(d time.Duration) {
	if d > 0 {
		o.pollInterval = d
	}
}

// Execute runs the workflow named by the parent task's kind to completion.
// The returned usage is zero: subtask terminal writes already rolled their
// cost into the parent row.
func (o *Orchestrator) Execute(ctx context.Context, parent *taskdomain.Task) (map[string]any, taskdomain.Usage, error) {
	_, name, err := taskdomain.ParseKind(parent.Kind)
	if err != nil {
		return nil, taskdomain.Usage{}, err
	}
	if !o.definitions.Has(name) {
		return nil, taskdomain.Usage{}, fmt.Errorf("workflow %q: %w", name, taskdomain.ErrWorkflowNotFound)
	}
	def, err := o.definitions.Get(name)
	if err != nil {
		return nil, taskdomain.Usage{}, err
	}

	state, fresh, err := o.loadOrCreateState(ctx, parent, def)
	if err != nil {
		return nil, taskdomain.Usage{}, err
	}
	if fresh {
		o.appendAudit(ctx, auditdomain.Event{
			Kind:       auditdomain.WorkflowStarted,
			ResourceID: parent.ID,
			UserHash:   parent.UserHash,
			Tenant:     parent.Tenant,
			Metadata:   map[string]any{"workflow": def.Name, "max_iterations": def.MaxIterations},
		})
	} else {
		o.logger.Info("Resuming workflow %s for task %s at iteration %d step %d",
			def.Name, parent.ID, state.CurrentIteration, state.CurrentStep)
	}

	output, err := o.runLoop(ctx, parent, def, state)
	if err != nil {
		return nil, taskdomain.Usage{}, err
	}
	return output, taskdomain.Usage{}, nil
}

func (o *Orchestrator) loadOrCreateState(ctx context.Context, parent *taskdomain.Task, def *workflow.Definition) (*workflow.State, bool, error) {
	state, err := o.store.GetWorkflowState(ctx, parent.ID)
	if err == nil {
		return state, false, nil
	}
	if !errors.Is(err, taskdomain.ErrNotFound) {
		return nil, false, err
	}
	state = &workflow.State{
		ParentID:         parent.ID,
		WorkflowName:     def.Name,
		CurrentStep:      0,
		CurrentIteration: 1,
		MaxIterations:    def.MaxIterations,
		Accumulated:      map[string]any{},
	}
	if err := o.store.UpsertWorkflowState(ctx, state); err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// runLoop drives iterations and steps from wherever the persisted state left
// off. Reaching max_iterations without convergence is a successful finish
// with converged=false; the caller decides what an unapproved result means.
func (o *Orchestrator) runLoop(ctx context.Context, parent *taskdomain.Task, def *workflow.Definition, state *workflow.State) (map[string]any, error) {
	var check workflow.ConvergenceCheck
	if def.Coordination == workflow.IterativeRefinement {
		var err error
		check, err = workflow.LookupConvergenceCheck(def.ConvergenceCheck)
		if err != nil {
			return nil, err
		}
	}

	lastStep := def.Steps[len(def.Steps)-1].Name
	for ; state.CurrentIteration <= state.MaxIterations; state.CurrentIteration++ {
		for ; state.CurrentStep < len(def.Steps); state.CurrentStep++ {
			step := def.Steps[state.CurrentStep]
			if err := o.runStep(ctx, parent, def, state, step); err != nil {
				return nil, err
			}
			if err := o.store.UpsertWorkflowState(ctx, state); err != nil {
				return nil, err
			}
		}
		state.CurrentStep = 0

		if check != nil && check(state.Accumulated, lastStep) {
			state.Converged = true
			o.appendAudit(ctx, auditdomain.Event{
				Kind:       auditdomain.WorkflowConverged,
				ResourceID: parent.ID,
				Metadata:   map[string]any{"workflow": def.Name, "iteration": state.CurrentIteration},
			})
			break
		}
		if state.CurrentIteration == state.MaxIterations {
			break
		}
		if err := o.store.UpsertWorkflowState(ctx, state); err != nil {
			return nil, err
		}
	}
	if state.CurrentIteration > state.MaxIterations {
		state.CurrentIteration = state.MaxIterations
	}
	if err := o.store.UpsertWorkflowState(ctx, state); err != nil {
		return nil, err
	}

	o.metrics.RecordWorkflowFinished(ctx, def.Name, state.CurrentIteration, state.Converged)
	o.logger.Info("Workflow %s for task %s finished after %d iteration(s), converged=%t",
		def.Name, parent.ID, state.CurrentIteration, state.Converged)

	return map[string]any{
		"workflow":   def.Name,
		"iterations": state.CurrentIteration,
		"converged":  state.Converged,
		"results":    state.Accumulated,
	}, nil
}

// runStep ensures the subtask row for (step, iteration) exists, waits for its
// terminal state, and merges its output into the accumulated state. An
// already-terminal row from a previous incarnation is reused as-is.
func (o *Orchestrator) runStep(ctx context.Context, parent *taskdomain.Task, def *workflow.Definition, state *workflow.State, step workflow.Step) error {
	sub, err := o.findSubtask(ctx, parent.ID, step.Name, state.CurrentIteration)
	if err != nil {
		return err
	}
	if sub == nil {
		sub = &taskdomain.Task{
			Kind:      "agent:" + step.AgentType,
			Input:     o.subtaskInput(parent, state),
			UserHash:  parent.UserHash,
			Tenant:    parent.Tenant,
			TraceID:   parent.TraceID,
			MaxTries:  parent.MaxTries,
			ParentID:  parent.ID,
			AgentType: step.AgentType,
			Iteration: state.CurrentIteration,
			StepName:  step.Name,
		}
		observability.InjectTraceContext(ctx, sub.Input)
		if err := o.store.CreateSubtask(ctx, sub); err != nil {
			return fmt.Errorf("create subtask for step %s: %w", step.Name, err)
		}
		o.logger.Info("Workflow %s: created subtask %s (step %s, iteration %d)",
			def.Name, sub.ID, step.Name, state.CurrentIteration)
	}

	final, err := o.awaitTerminal(ctx, sub.ID)
	if err != nil {
		return err
	}
	if final.Status == taskdomain.StatusError {
		return fmt.Errorf("step %s failed: %s", step.Name, final.Error)
	}

	if state.Accumulated == nil {
		state.Accumulated = map[string]any{}
	}
	state.Accumulated[step.Name] = final.Output

	o.appendAudit(ctx, auditdomain.Event{
		Kind:       auditdomain.SubtaskDone,
		ResourceID: final.ID,
		UserHash:   parent.UserHash,
		Tenant:     parent.Tenant,
		Metadata: map[string]any{
			"parent_id": parent.ID,
			"step":      step.Name,
			"iteration": state.CurrentIteration,
			"cost":      final.TotalCost,
		},
	})
	return nil
}

// appendAudit logs and moves on; the audit trail is best-effort relative to
// the workflow path.
func (o *Orchestrator) appendAudit(ctx context.Context, event auditdomain.Event) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(ctx, event); err != nil {
		o.logger.Warn("Audit append failed for %s on %s: %v", event.Kind, event.ResourceID, err)
	}
}

// findSubtask locates an existing row for (step, iteration), so a resumed
// orchestrator never double-creates work.
func (o *Orchestrator) findSubtask(ctx context.Context, parentID, stepName string, iteration int) (*taskdomain.Task, error) {
	subs, err := o.store.ListSubtasks(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.StepName == stepName && sub.Iteration == iteration {
			return sub, nil
		}
	}
	return nil, nil
}

// awaitTerminal polls the subtask row until it reaches a terminal status.
// Subtasks run under their own leases; a canceled ctx abandons the wait and
// the resumed parent picks the row back up where it is.
func (o *Orchestrator) awaitTerminal(ctx context.Context, id string) (*taskdomain.Task, error) {
	for {
		t, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await subtask %s: %w", id, ctx.Err())
		case <-o.clock.After(o.pollInterval):
		}
	}
}

// subtaskInput builds the step input: the parent's input document, a snapshot
// of the accumulated state, and the previous iteration's reviewer feedback
// when one exists.
func (o *Orchestrator) subtaskInput(parent *taskdomain.Task, state *workflow.State) map[string]any {
	input := make(map[string]any, len(parent.Input)+2)
	for k, v := range parent.Input {
		if k == taskdomain.TraceContextKey {
			continue
		}
		input[k] = v
	}
	if len(state.Accumulated) > 0 {
		acc := make(map[string]any, len(state.Accumulated))
		for k, v := range state.Accumulated {
			acc[k] = v
		}
		input["accumulated"] = acc
	}
	if feedback := extractFeedback(state.Accumulated); feedback != "" {
		input["previous_feedback"] = feedback
	}
	return input
}

// extractFeedback pulls the most recent reviewer feedback out of the
// accumulated state.
func extractFeedback(accumulated map[string]any) string {
	for _, v := range accumulated {
		stepOut, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if approved, ok := stepOut["approved"].(bool); ok && !approved {
			if feedback, ok := stepOut["feedback"].(string); ok {
				return feedback
			}
		}
	}
	return ""
}
