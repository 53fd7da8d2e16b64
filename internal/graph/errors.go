package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vk/buildgrid/internal/errcode"
)

// ConflictError reports every resource owned by more than one task.
type ConflictError struct {
	// Conflicts maps a resource identifier to the sorted ids of all tasks
	// claiming ownership of it.
	Conflicts map[string][]string
}

func (e *ConflictError) Error() string {
	resources := make([]string, 0, len(e.Conflicts))
	for res := range e.Conflicts {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	parts := make([]string, 0, len(resources))
	for _, res := range resources {
		parts = append(parts, fmt.Sprintf("%s claimed by [%s]", res, strings.Join(e.Conflicts[res], ", ")))
	}
	return "resource ownership conflict: " + strings.Join(parts, "; ")
}

// Code returns the taxonomy code for resource conflicts.
func (e *ConflictError) Code() string { return errcode.GraphResourceConflict }

// UnknownDependencyError reports a dependency id that names no task.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.DependencyID)
}

// Code returns the taxonomy code for unknown dependencies.
func (e *UnknownDependencyError) Code() string { return errcode.GraphUnknownDependency }

// CycleError reports a dependency cycle. Path is the traversal chain ending
// at the repeated task.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// Code returns the taxonomy code for cyclic dependencies.
func (e *CycleError) Code() string { return errcode.GraphCycle }
