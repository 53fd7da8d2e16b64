// Package schedule computes dependency-ordered levels of concurrently
// runnable tasks from a validated graph. A level is the maximal set of
// unscheduled tasks whose dependencies all sit in strictly earlier levels.
package schedule

import (
	"context"
	"sort"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/graph"
)

// Level is an ordered set of mutually independent task ids. The ordering is
// sorted for reproducible diagnostics only; execution within a level is
// unordered.
type Level []string

// Levels partitions the graph with Kahn-style repeated extraction. The union
// of all levels covers every task exactly once, and every task appears
// strictly after all of its dependencies' levels. Running it twice on the
// same graph yields identical partitions.
//
// Cycle detection is the builder's job; if handed a graph that cannot make
// progress this returns the levels computed so far rather than spinning.
func Levels(ctx context.Context, g *graph.Graph) []Level {
	logger := ctxlog.FromContext(ctx)

	scheduled := make(map[string]bool, g.Len())
	remaining := g.IDs()

	var levels []Level
	for len(remaining) > 0 {
		var level Level
		for _, id := range remaining {
			task, _ := g.Task(id)
			if depsSatisfied(task, scheduled) {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			logger.Error("Scheduler made no progress; graph was not validated.", "unscheduled", len(remaining))
			break
		}

		sort.Strings(level)
		for _, id := range level {
			scheduled[id] = true
		}
		remaining = filterUnscheduled(remaining, scheduled)
		levels = append(levels, level)
	}

	logger.Debug("Computed execution levels.", "levels", len(levels), "tasks", g.Len())
	return levels
}

func depsSatisfied(task *graph.Task, scheduled map[string]bool) bool {
	for _, dep := range task.DependsOn {
		if !scheduled[dep] {
			return false
		}
	}
	return true
}

func filterUnscheduled(ids []string, scheduled map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !scheduled[id] {
			out = append(out, id)
		}
	}
	return out
}
