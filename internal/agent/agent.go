// Package agent defines the agent execution port and the built-in reference
// agents. Agents are resolved by type through the shared registry and run one
// unit of work per claimed task.
package agent

import (
	"context"

	"orchard/internal/domain/task"
	"orchard/internal/registry"
)

// Agent executes one task input and returns its raw output plus the usage
// incurred. The output may be a structured document or the raw text a model
// produced; callers pass it through Normalize before persisting. Usage is
// meaningful even on error, so failed attempts still account their cost.
// Implementations must honor ctx cancellation: a canceled context abandons
// the attempt without a terminal write.
type Agent interface {
	Type() string
	Execute(ctx context.Context, input map[string]any) (any, task.Usage, error)
}

// Registry is the agent-type registry consulted by the task machine and the
// orchestrator.
type Registry = registry.Registry[Agent]

// NewRegistry builds a registry with the built-in agents installed.
func NewRegistry() (*Registry, error) {
	r := registry.New[Agent]()
	builtins := []struct {
		meta    registry.Metadata
		factory registry.Factory[Agent]
	}{
		{registry.Metadata{Name: "research", Description: "gathers and summarizes source material"},
			func() (Agent, error) { return newResearchAgent(), nil }},
		{registry.Metadata{Name: "assessment", Description: "reviews a draft and approves or returns feedback"},
			func() (Agent, error) { return newAssessmentAgent(), nil }},
		{registry.Metadata{Name: "echo", Description: "returns its input unchanged, for smoke tests"},
			func() (Agent, error) { return newEchoAgent(), nil }},
	}
	for _, b := range builtins {
		if err := r.Register(b.meta, b.factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}
