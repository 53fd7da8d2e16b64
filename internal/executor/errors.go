package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/vk/buildgrid/internal/errcode"
	"github.com/vk/buildgrid/internal/marker"
)

// IntegrityError reports a mismatch between the two success conditions: a
// clean worker exit and an existing completion marker. A task needs both.
type IntegrityError struct {
	TaskID       string
	ExitedOK     bool
	MarkerExists bool
}

func (e *IntegrityError) Error() string {
	if e.ExitedOK && !e.MarkerExists {
		return fmt.Sprintf("task %s: worker exited cleanly but never created its completion marker", e.TaskID)
	}
	return fmt.Sprintf("task %s: worker failed but a completion marker exists", e.TaskID)
}

// Code returns the taxonomy code for integrity mismatches.
func (e *IntegrityError) Code() string { return errcode.WorkerIntegrity }

// ScopeError reports files a worker modified outside its owned resources.
type ScopeError struct {
	TaskID  string
	Files   []string
	Allowed []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("task %s modified files outside its owned resources: %s (owned: %s)",
		e.TaskID, strings.Join(e.Files, ", "), strings.Join(e.Allowed, ", "))
}

// Code returns the taxonomy code for scope violations.
func (e *ScopeError) Code() string { return errcode.WorkerScope }

// LevelFailure is the bottom-up escalation of one or more task failures to
// their enclosing level.
type LevelFailure struct {
	Index   int
	TaskIDs []string
	// FirstCode is the taxonomy code of the first failed task (by id order).
	FirstCode string
}

func (e *LevelFailure) Error() string {
	return fmt.Sprintf("level %d failed: tasks [%s]", e.Index, strings.Join(e.TaskIDs, ", "))
}

// Code returns the taxonomy code that caused the level to fail.
func (e *LevelFailure) Code() string { return e.FirstCode }

// checkScope matches every file the worker reported as modified against the
// task's owned resource patterns. Resources are glob patterns with '/' as
// separator; a literal path is its own pattern.
func checkScope(taskID string, resources []string, report *marker.Report) error {
	if report == nil || len(report.FilesModified) == 0 {
		return nil
	}

	globs := make([]glob.Glob, 0, len(resources))
	for _, res := range resources {
		g, err := glob.Compile(res, '/')
		if err != nil {
			return fmt.Errorf("task %s has an invalid resource pattern %q: %w", taskID, res, err)
		}
		globs = append(globs, g)
	}

	var outside []string
	for _, file := range report.FilesModified {
		matched := false
		for _, g := range globs {
			if g.Match(file) {
				matched = true
				break
			}
		}
		if !matched {
			outside = append(outside, file)
		}
	}
	if len(outside) > 0 {
		sort.Strings(outside)
		return &ScopeError{TaskID: taskID, Files: outside, Allowed: resources}
	}
	return nil
}
