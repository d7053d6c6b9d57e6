// Package workflow defines declarative workflow definitions, the per-workflow
// persisted state, and the convergence predicates used by iterative
// refinement.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Coordination selects how a definition's steps are driven.
type Coordination string

const (
	// Sequential runs the step list once, in order.
	Sequential Coordination = "SEQUENTIAL"
	// IterativeRefinement repeats the step list until the convergence check
	// passes or max_iterations is reached.
	IterativeRefinement Coordination = "ITERATIVE_REFINEMENT"
)

// Step is one entry in a definition's ordered step list.
type Step struct {
	AgentType string `yaml:"agent_type"`
	Name      string `yaml:"name"`
}

// Definition is a parsed workflow definition file.
type Definition struct {
	Name             string       `yaml:"name"`
	Description      string       `yaml:"description"`
	Coordination     Coordination `yaml:"coordination"`
	MaxIterations    int          `yaml:"max_iterations"`
	ConvergenceCheck string       `yaml:"convergence_check"`
	Steps            []Step       `yaml:"steps"`
}

// Validate rejects definitions the orchestrator cannot execute.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	switch d.Coordination {
	case Sequential, IterativeRefinement:
	default:
		return fmt.Errorf("workflow %s: unknown coordination %q", d.Name, d.Coordination)
	}
	if d.MaxIterations < 1 {
		return fmt.Errorf("workflow %s: max_iterations must be positive, got %d", d.Name, d.MaxIterations)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.AgentType == "" {
			return fmt.Errorf("workflow %s: step %d has no agent_type", d.Name, i+1)
		}
		if step.Name == "" {
			return fmt.Errorf("workflow %s: step %d has no name", d.Name, i+1)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow %s: duplicate step name %q", d.Name, step.Name)
		}
		seen[step.Name] = true
	}
	if d.Coordination == IterativeRefinement && d.ConvergenceCheck == "" {
		return fmt.Errorf("workflow %s: iterative refinement requires convergence_check", d.Name)
	}
	return nil
}

// Parse decodes a single definition document. YAML errors keep their line
// references so a malformed file aborts startup with a pointed message.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if def.MaxIterations == 0 && def.Coordination == Sequential {
		def.MaxIterations = 1
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile parses a definition from disk and checks the name matches the
// file base name, which keeps the directory listing honest.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if def.Name != base {
		return nil, fmt.Errorf("%s: workflow name %q does not match file base name %q", path, def.Name, base)
	}
	return def, nil
}

// LoadDir parses every .yaml/.yml file in dir. A missing directory yields an
// empty slice so workers without workflows still start.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// State is the one-row-per-workflow bookkeeping mutated only by the
// orchestrator while the parent task runs.
type State struct {
	ParentID         string         `json:"parent_id"`
	WorkflowName     string         `json:"workflow_name"`
	CurrentStep      int            `json:"current_step"`
	CurrentIteration int            `json:"current_iteration"`
	MaxIterations    int            `json:"max_iterations"`
	Converged        bool           `json:"converged"`
	Accumulated      map[string]any `json:"accumulated"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
