package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const iterativeYAML = `name: refined
coordination: ITERATIVE_REFINEMENT
max_iterations: 3
convergence_check: assessment_approved
steps:
  - agent_type: research
    name: research
  - agent_type: assessment
    name: review
`

func TestParseIterative(t *testing.T) {
	def, err := Parse([]byte(iterativeYAML))
	require.NoError(t, err)
	require.Equal(t, "refined", def.Name)
	require.Equal(t, IterativeRefinement, def.Coordination)
	require.Equal(t, 3, def.MaxIterations)
	require.Len(t, def.Steps, 2)
}

func TestParseSequentialDefaultsMaxIterations(t *testing.T) {
	def, err := Parse([]byte(`name: once
coordination: SEQUENTIAL
steps:
  - agent_type: echo
    name: echo
`))
	require.NoError(t, err)
	require.Equal(t, 1, def.MaxIterations)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"missing name", Definition{Coordination: Sequential, MaxIterations: 1,
			Steps: []Step{{AgentType: "a", Name: "s"}}}},
		{"unknown coordination", Definition{Name: "x", Coordination: "PARALLEL", MaxIterations: 1,
			Steps: []Step{{AgentType: "a", Name: "s"}}}},
		{"no steps", Definition{Name: "x", Coordination: Sequential, MaxIterations: 1}},
		{"duplicate step names", Definition{Name: "x", Coordination: Sequential, MaxIterations: 1,
			Steps: []Step{{AgentType: "a", Name: "s"}, {AgentType: "b", Name: "s"}}}},
		{"iterative without convergence check", Definition{Name: "x", Coordination: IterativeRefinement, MaxIterations: 2,
			Steps: []Step{{AgentType: "a", Name: "s"}}}},
		{"non-positive max iterations", Definition{Name: "x", Coordination: IterativeRefinement,
			ConvergenceCheck: "assessment_approved", Steps: []Step{{AgentType: "a", Name: "s"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.def.Validate())
		})
	}
}

func TestLoadFileNameMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte(iterativeYAML), 0o644))

	_, err := LoadFile(path)
	require.ErrorContains(t, err, "does not match file base name")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "refined.yaml"), []byte(iterativeYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "refined", defs[0].Name)

	missing, err := LoadDir(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestAssessmentApprovedCheck(t *testing.T) {
	check, err := LookupConvergenceCheck("assessment_approved")
	require.NoError(t, err)

	require.False(t, check(map[string]any{}, "review"))
	require.False(t, check(map[string]any{"review": map[string]any{"approved": false}}, "review"))
	require.False(t, check(map[string]any{"review": map[string]any{"approved": "yes"}}, "review"))
	require.True(t, check(map[string]any{"review": map[string]any{"approved": true}}, "review"))

	_, err = LookupConvergenceCheck("unknown")
	require.Error(t, err)
}
