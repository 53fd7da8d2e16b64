// Package marker implements the completion signal store: durable, atomically
// observable "done" markers that are the sole ground truth for task
// completion. The executor and concurrently running workers share no other
// mutable state.
//
// Markers are write-once within a session. Each design/build/validate
// iteration uses a fresh namespace, so a retry never observes markers from an
// earlier attempt.
package marker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report is the structured payload a worker may embed in its marker. The
// engine uses FilesModified for resource-scope enforcement and Diagnostics
// for self-heal context; everything else is opaque worker content.
type Report struct {
	TaskID        string   `json:"task_id"`
	Status        string   `json:"status,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
	UnitsUsed     float64  `json:"units_used,omitempty"`
}

// Marker is the durable completion record for one task.
type Marker struct {
	TaskID    string    `json:"task_id"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
	Report    *Report   `json:"report,omitempty"`
}

// Store is the coordination primitive between the executor and its workers.
// Implementations must guarantee that Create is atomic (never observable
// half-created), idempotent, and that WaitAll never reports success unless
// every requested marker exists.
type Store interface {
	// Create records the marker for a task. Creating a marker that already
	// exists is a no-op; the first write wins.
	Create(ctx context.Context, m Marker) error

	// Exists reports whether a marker has been created for the task.
	Exists(ctx context.Context, taskID string) (bool, error)

	// Read returns the marker for a task, or an error if it does not exist.
	Read(ctx context.Context, taskID string) (*Marker, error)

	// WaitAll blocks until every id has a marker or the timeout elapses.
	// On timeout it returns a *TimeoutError naming the missing ids; it never
	// returns nil while any marker is absent.
	WaitAll(ctx context.Context, taskIDs []string, timeout time.Duration) error
}

// TimeoutError reports the ids whose markers never appeared within the wait
// window.
type TimeoutError struct {
	Missing []string
}

func (e *TimeoutError) Error() string {
	missing := append([]string(nil), e.Missing...)
	sort.Strings(missing)
	return fmt.Sprintf("timed out waiting for completion markers: %s", strings.Join(missing, ", "))
}
