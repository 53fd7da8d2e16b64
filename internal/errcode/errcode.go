// Package errcode defines the stable taxonomy codes attached to every
// user-visible failure. A terminal report never says a bare "failed": it
// carries one of these codes plus the originating error chain.
package errcode

import "errors"

const (
	// Graph validation failures. Always pre-execution, always fatal.
	GraphResourceConflict  = "GRAPH_RESOURCE_CONFLICT"
	GraphUnknownDependency = "GRAPH_UNKNOWN_DEPENDENCY"
	GraphCycle             = "GRAPH_CYCLE"

	// Worker execution failures. Scoped to one task, escalate task -> level -> phase.
	WorkerTimeout   = "WORKER_TIMEOUT"
	WorkerCrash     = "WORKER_CRASH"
	WorkerIntegrity = "WORKER_INTEGRITY"
	WorkerScope     = "WORKER_SCOPE"

	// Validation failures are absorbed by the self-healing loop up to its cap.
	ValidateFailed = "VALIDATE_FAILED"

	// Budget overruns are advisory and never fatal.
	BudgetExceeded = "BUDGET_EXCEEDED"

	// Session-wide timeout. Fatal; live workers are terminated, persisted
	// artifacts are preserved.
	SessionTimeout = "SESSION_TIMEOUT"
)

// Coder is implemented by errors that carry a taxonomy code.
type Coder interface {
	error
	Code() string
}

// Of walks the error chain and returns the first taxonomy code found, or an
// empty string if the chain carries none.
func Of(err error) string {
	var coder Coder
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return ""
}
