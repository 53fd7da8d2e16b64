package session

import (
	"fmt"

	"github.com/vk/buildgrid/internal/errcode"
)

// TerminalStatus is the final disposition of a session.
type TerminalStatus string

const (
	StatusCompleted TerminalStatus = "completed"
	StatusFailed    TerminalStatus = "failed"
	StatusTimedOut  TerminalStatus = "timed_out"
)

// IterationRecord is the retained history of one design/build/validate
// attempt. Every record from every attempt survives into the terminal report.
type IterationRecord struct {
	Iteration   int      `json:"iteration" yaml:"iteration"`
	FailedTasks []string `json:"failed_tasks,omitempty" yaml:"failed_tasks,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// Result is the terminal session result handed to the caller and persisted
// as the final report artifact.
type Result struct {
	SessionID string         `json:"session_id" yaml:"session_id"`
	Status    TerminalStatus `json:"status" yaml:"status"`
	// Reason is empty on success; otherwise a human-readable cause.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Code is the taxonomy code behind a failure, never a bare "failed".
	Code       string            `json:"code,omitempty" yaml:"code,omitempty"`
	Iterations []IterationRecord `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	// Artifacts references every phase artifact persisted before the
	// terminal state, keyed by artifact name.
	Artifacts map[string]string `json:"artifacts" yaml:"artifacts"`

	PeakUtilization    float64 `json:"peak_utilization" yaml:"peak_utilization"`
	AverageUtilization float64 `json:"average_utilization" yaml:"average_utilization"`
}

// ValidationError marks a semantically wrong artifact (checks failed). It is
// absorbed by the retry loop rather than terminating the session.
type ValidationError struct {
	Iteration int
	Cause     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on iteration %d: %v", e.Iteration, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Code returns the taxonomy code for validation failures.
func (e *ValidationError) Code() string { return errcode.ValidateFailed }
