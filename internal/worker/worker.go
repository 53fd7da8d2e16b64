// Package worker defines the contract between the engine and the isolated
// execution units that actually produce content. The engine's correctness is
// independent of how a worker does its job: a worker only has to modify its
// declared resources and create its completion marker before exiting.
package worker

import "context"

// Request is everything a worker receives for one unit of work.
type Request struct {
	// TaskID keys the completion marker the worker must create.
	TaskID      string
	Description string

	// Resources are the paths (or path patterns) this worker exclusively owns
	// for the current iteration.
	Resources []string

	// DesignArtifact is a read-only reference shared by every worker in a
	// level.
	DesignArtifact string

	// Scope is the working directory the worker runs in.
	Scope string

	// MarkerPath is where a process worker publishes its marker file.
	// In-process workers create their marker through the store instead.
	MarkerPath string

	// ArtifactPath is where a phase worker writes its output artifact.
	// Empty for build-level task workers.
	ArtifactPath string

	// Diagnostics is the cumulative failure history carried into self-heal
	// re-entries. Empty on the first iteration.
	Diagnostics []string

	Iteration int
}

// Result carries the captured output channels from one worker run. Output is
// partial when the worker crashed or was force-terminated.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes one request. Run must respect ctx cancellation: when the
// context expires the worker is force-terminated and Run returns with
// whatever output had been captured.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to the Runner interface. This is the
// in-process worker form used by same-process deployments and tests.
type Func func(ctx context.Context, req Request) (Result, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
