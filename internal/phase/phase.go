// Package phase defines the orchestration lifecycle as an explicit finite
// state machine with a fixed transition table. The machine's correctness is
// independent of anything the workers produce: it only ever moves along
// edges declared here.
package phase

// Phase is a discrete stage of the orchestration lifecycle.
type Phase string

const (
	Research      Phase = "research"
	Design        Phase = "design"
	ParallelBuild Phase = "parallel_build"
	Validate      Phase = "validate"
	SelfHeal      Phase = "self_heal"
	Finalize      Phase = "finalize"
	Completed     Phase = "completed"
	Failed        Phase = "failed"
)

// All returns every phase in lifecycle order.
func All() []Phase {
	return []Phase{Research, Design, ParallelBuild, Validate, SelfHeal, Finalize, Completed, Failed}
}

// IsTerminal reports whether the phase ends the session.
func (p Phase) IsTerminal() bool {
	return p == Completed || p == Failed
}

func (p Phase) String() string { return string(p) }

// transitions is the complete edge set. Failed is reachable from every
// non-terminal phase so a session-wide timeout can always terminate.
var transitions = map[Phase][]Phase{
	Research:      {Design, Failed},
	Design:        {ParallelBuild, Failed},
	ParallelBuild: {Validate, Failed},
	Validate:      {Finalize, SelfHeal, Failed},
	SelfHeal:      {Design, Failed},
	Finalize:      {Completed, Failed},
	Completed:     {},
	Failed:        {},
}
