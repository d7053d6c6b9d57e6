package worker

import (
	"context"
	"fmt"

	"orchard/internal/agent"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/tools"
)

// Router resolves a task's kind to the component that executes it. Workflow
// kinds go to the orchestrator; agent and tool kinds resolve through their
// registries.
type Router struct {
	agents    *agent.Registry
	tools     *tools.Registry
	workflows Executor
}

var _ Executor = (*Router)(nil)

func NewRouter(agents *agent.Registry, toolReg *tools.Registry, workflows Executor) *Router {
	return &Router{agents: agents, tools: toolReg, workflows: workflows}
}

func (r *Router) Execute(ctx context.Context, t *taskdomain.Task) (map[string]any, taskdomain.Usage, error) {
	class, name, err := taskdomain.ParseKind(t.Kind)
	if err != nil {
		return nil, taskdomain.Usage{}, err
	}

	switch class {
	case taskdomain.KindAgent:
		a, err := r.agents.Get(name)
		if err != nil {
			return nil, taskdomain.Usage{}, fmt.Errorf("resolve agent: %w", err)
		}
		raw, usage, err := a.Execute(ctx, t.Input)
		if err != nil {
			return nil, usage, err
		}
		// Models hand back near-JSON often enough that the repair pass is
		// part of the normal path, not an error path.
		output, err := agent.Normalize(raw)
		if err != nil {
			return nil, usage, fmt.Errorf("normalize output of agent %s: %w", name, err)
		}
		return output, usage, nil
	case taskdomain.KindTool:
		tool, err := r.tools.Get(name)
		if err != nil {
			return nil, taskdomain.Usage{}, fmt.Errorf("resolve tool: %w", err)
		}
		output, err := tool.Execute(ctx, t.Input)
		return output, taskdomain.Usage{}, err
	case taskdomain.KindWorkflow:
		if r.workflows == nil {
			return nil, taskdomain.Usage{}, fmt.Errorf("workflow execution not configured")
		}
		return r.workflows.Execute(ctx, t)
	}
	return nil, taskdomain.Usage{}, fmt.Errorf("unknown kind class %q", class)
}
