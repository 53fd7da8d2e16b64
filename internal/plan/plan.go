// Package plan defines the task plan supplied at the start of every
// design/build/validate sub-cycle, and its HCL file format.
package plan

// Task is one task descriptor from a plan file.
//
//	task "api-server" {
//	  description = "Implement the HTTP API server"
//	  resources   = ["internal/api/server.go", "internal/api/routes.go"]
//	  depends_on  = ["schema"]
//	}
type Task struct {
	ID          string   `hcl:"id,label"`
	Description string   `hcl:"description"`
	Resources   []string `hcl:"resources,optional"`
	DependsOn   []string `hcl:"depends_on,optional"`
}

// Design is the optional prose section of a plan file, carrying the design
// worker's summary alongside the tasks it decomposed into.
//
//	design {
//	  summary = "Split the parser rewrite into lexer and grammar tasks"
//	  notes   = ["lexer must land first", "grammar reuses token ids"]
//	}
type Design struct {
	Summary string   `hcl:"summary"`
	Notes   []string `hcl:"notes,optional"`
}

// Plan is the decoded set of task blocks for one iteration.
type Plan struct {
	Design *Design `hcl:"design,block"`
	Tasks  []Task  `hcl:"task,block"`
}

// IDs returns the task ids in plan order.
func (p *Plan) IDs() []string {
	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
