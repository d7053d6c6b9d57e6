package workflow

import "fmt"

// ConvergenceCheck is a predicate over the accumulated workflow state. It
// receives the accumulated map and the name of the last executed step and
// reports whether the iterative loop may terminate early.
type ConvergenceCheck func(accumulated map[string]any, lastStep string) bool

// builtinChecks are the convergence predicates known by name. Additional
// checks register through RegisterConvergenceCheck at startup.
var builtinChecks = map[string]ConvergenceCheck{
	"assessment_approved": assessmentApproved,
}

// assessmentApproved passes when the last step's output carries
// approved == true.
func assessmentApproved(accumulated map[string]any, lastStep string) bool {
	stepOut, ok := accumulated[lastStep].(map[string]any)
	if !ok {
		return false
	}
	approved, ok := stepOut["approved"].(bool)
	return ok && approved
}

// LookupConvergenceCheck resolves a check identifier from a definition.
func LookupConvergenceCheck(name string) (ConvergenceCheck, error) {
	check, ok := builtinChecks[name]
	if !ok {
		return nil, fmt.Errorf("unknown convergence check %q", name)
	}
	return check, nil
}

// RegisterConvergenceCheck adds a named predicate. Registration is
// startup-only; duplicate names are an error.
func RegisterConvergenceCheck(name string, check ConvergenceCheck) error {
	if _, exists := builtinChecks[name]; exists {
		return fmt.Errorf("convergence check already registered: %s", name)
	}
	builtinChecks[name] = check
	return nil
}
