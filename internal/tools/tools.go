// Package tools defines the deterministic tool port and the built-in tools
// runnable as standalone tasks. Tools never incur model usage.
package tools

import (
	"context"
	"fmt"
	"math"
	"strings"

	"orchard/internal/registry"
)

// Tool executes one deterministic operation over a task input.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry is the tool-name registry consulted by the task machine.
type Registry = registry.Registry[Tool]

// NewRegistry builds a registry with the built-in tools installed.
func NewRegistry() (*Registry, error) {
	r := registry.New[Tool]()
	builtins := []struct {
		meta    registry.Metadata
		factory registry.Factory[Tool]
	}{
		{registry.Metadata{Name: "calculator", Description: "evaluates a basic arithmetic operation"},
			func() (Tool, error) { return calculator{}, nil }},
		{registry.Metadata{Name: "word_count", Description: "counts words and characters in a text"},
			func() (Tool, error) { return wordCount{}, nil }},
	}
	for _, b := range builtins {
		if err := r.Register(b.meta, b.factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type calculator struct{}

func (calculator) Name() string { return "calculator" }

func (calculator) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	op, _ := input["op"].(string)
	a, aok := toFloat(input["a"])
	b, bok := toFloat(input["b"])
	if !aok || !bok {
		return nil, fmt.Errorf("calculator requires numeric operands a and b")
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "sub":
		result = a - b
	case "mul":
		result = a * b
	case "div":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = a / b
	case "pow":
		result = math.Pow(a, b)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return nil, fmt.Errorf("operation %q produced a non-finite result", op)
	}
	return map[string]any{"result": result}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

type wordCount struct{}

func (wordCount) Name() string { return "word_count" }

func (wordCount) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	text, ok := input["text"].(string)
	if !ok {
		return nil, fmt.Errorf("word_count requires a text field")
	}
	return map[string]any{
		"words": len(strings.Fields(text)),
		"chars": len([]rune(text)),
	}, nil
}
