package agent

import (
	"context"
	"fmt"
	"strings"

	"orchard/internal/domain/task"
)

// The built-in agents are deterministic reference implementations. They
// exercise the full task and workflow paths without calling a model provider;
// production deployments register real agents over the same interface.

const referenceModel = "reference-v1"

// usageFor derives a plausible usage record from the input and output sizes
// so cost rollups have real numbers to aggregate.
func usageFor(input map[string]any, output map[string]any) task.Usage {
	inTokens := int64(8)
	for k, v := range input {
		inTokens += int64(len(k)+len(fmt.Sprint(v))) / 4
	}
	outTokens := int64(4)
	for k, v := range output {
		outTokens += int64(len(k)+len(fmt.Sprint(v))) / 4
	}
	return task.Usage{
		Model:        referenceModel,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         task.RoundCost(float64(inTokens)*0.000003 + float64(outTokens)*0.000015),
	}
}

type researchAgent struct{}

func newResearchAgent() *researchAgent { return &researchAgent{} }

func (a *researchAgent) Type() string { return "research" }

// Execute produces a summary for the topic, folding in reviewer feedback when
// the orchestrator hands a previous round back.
func (a *researchAgent) Execute(ctx context.Context, input map[string]any) (any, task.Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, task.Usage{}, err
	}
	topic, _ := input["topic"].(string)
	if topic == "" {
		return nil, task.Usage{}, fmt.Errorf("research agent requires a topic")
	}

	summary := fmt.Sprintf("Findings on %s: background, current state, open problems.", topic)
	revision := 1
	if feedback, ok := input["previous_feedback"].(string); ok && feedback != "" {
		summary = fmt.Sprintf("%s Revised per review: %s", summary, feedback)
		revision = 2
		if prev, ok := input["revision"].(float64); ok {
			revision = int(prev) + 1
		}
	}

	output := map[string]any{
		"summary":  summary,
		"topic":    topic,
		"revision": revision,
		"sources":  []any{"corpus:primary", "corpus:secondary"},
	}
	return output, usageFor(input, output), nil
}

type assessmentAgent struct{}

func newAssessmentAgent() *assessmentAgent { return &assessmentAgent{} }

func (a *assessmentAgent) Type() string { return "assessment" }

// Execute reviews the accumulated draft. The first pass always returns
// feedback; a pass that already incorporates a revision is approved. This
// gives iterative workflows a converging fixture.
func (a *assessmentAgent) Execute(ctx context.Context, input map[string]any) (any, task.Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, task.Usage{}, err
	}

	draft := extractDraft(input)
	if draft == "" {
		return nil, task.Usage{}, fmt.Errorf("assessment agent requires a draft to review")
	}

	approved := strings.Contains(draft, "Revised per review")
	output := map[string]any{"approved": approved}
	if approved {
		output["verdict"] = "draft meets the bar"
	} else {
		output["feedback"] = "expand the open problems section and cite sources inline"
	}
	return output, usageFor(input, output), nil
}

// extractDraft finds the text under review: a direct draft field, or the
// research step's summary in the accumulated state.
func extractDraft(input map[string]any) string {
	if draft, ok := input["draft"].(string); ok && draft != "" {
		return draft
	}
	acc, ok := input["accumulated"].(map[string]any)
	if !ok {
		return ""
	}
	for _, v := range acc {
		stepOut, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if summary, ok := stepOut["summary"].(string); ok && summary != "" {
			return summary
		}
	}
	return ""
}

type echoAgent struct{}

func newEchoAgent() *echoAgent { return &echoAgent{} }

func (a *echoAgent) Type() string { return "echo" }

func (a *echoAgent) Execute(ctx context.Context, input map[string]any) (any, task.Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, task.Usage{}, err
	}
	output := make(map[string]any, len(input))
	for k, v := range input {
		output[k] = v
	}
	return output, usageFor(input, output), nil
}
