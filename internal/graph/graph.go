// Package graph builds and validates the task dependency DAG for one
// iteration. Validation is strictly pre-execution: a plan that fails any
// check produces zero side effects.
package graph

import (
	"context"
	"sort"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/plan"
)

// Status is the lifecycle state of a task. Only the executor transitions a
// task's status; everything else treats tasks as read-only.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is a validated unit of work owning a disjoint set of resources.
type Task struct {
	ID          string
	Description string
	Resources   []string
	DependsOn   []string
	Status      Status
}

// Graph is a validated, acyclic task graph. Tasks are keyed by id; the
// dependents index is the reverse adjacency.
type Graph struct {
	tasks      map[string]*Task
	dependents map[string][]string
}

// Build validates a task plan into a Graph. Checks run in a fixed order:
// resource ownership, dependency resolution, cycle detection. The first
// failing check aborts with a typed error carrying its taxonomy code.
func Build(ctx context.Context, tasks []plan.Task) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Building task graph.", "task_count", len(tasks))

	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = &Task{
			ID:          t.ID,
			Description: t.Description,
			Resources:   append([]string(nil), t.Resources...),
			DependsOn:   append([]string(nil), t.DependsOn...),
			Status:      StatusPending,
		}
	}

	if err := g.checkResourceOwnership(); err != nil {
		return nil, err
	}
	logger.Debug("Resource ownership check passed.")

	if err := g.checkDependencies(); err != nil {
		return nil, err
	}
	logger.Debug("Dependency resolution check passed.")

	for _, t := range g.tasks {
		for _, dep := range t.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	logger.Debug("Cycle detection passed.")

	return g, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// IDs returns all task ids sorted for deterministic diagnostics.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the ids of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// checkResourceOwnership enforces that every resource identifier appears in
// exactly one task's owned set. All conflicts are collected so the error can
// name every offending task, not just the first pair found.
func (g *Graph) checkResourceOwnership() error {
	owners := make(map[string][]string)
	for _, id := range g.IDs() {
		for _, res := range g.tasks[id].Resources {
			owners[res] = append(owners[res], id)
		}
	}

	conflicts := make(map[string][]string)
	for res, ids := range owners {
		if len(ids) > 1 {
			sort.Strings(ids)
			conflicts[res] = ids
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

// checkDependencies enforces that every dependency id names an existing task.
func (g *Graph) checkDependencies() error {
	for _, id := range g.IDs() {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return &UnknownDependencyError{TaskID: id, DependencyID: dep}
			}
		}
	}
	return nil
}

// detectCycles runs a depth-first search with the classic temporary/permanent
// mark scheme. Nodes are visited in sorted order so the same cyclic input is
// rejected identically regardless of map iteration order.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			// id is already on the current traversal stack: cycle.
			return &CycleError{Path: append(append([]string(nil), path...), id)}
		}

		temporary[id] = true
		deps := append([]string(nil), g.tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range g.IDs() {
		if !permanent[id] {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
