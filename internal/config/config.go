// Package config loads the orchestration config file: one HCL document
// naming the worker command, the execution limits and the resource budget
// for a session.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/buildgrid/internal/budget"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/session"
)

// File is the decoded orchestration config.
//
//	scope = "./project"
//
//	worker {
//	  command = ["buildgrid-worker", "--headless"]
//	}
//
//	limits {
//	  max_iterations  = 3
//	  session_timeout = "30m"
//	  task_timeout    = "5m"
//	}
//
//	budget {
//	  total = 1000
//	  allocation = {
//	    research       = 0.10
//	    design         = 0.15
//	    parallel_build = 0.40
//	    validate       = 0.15
//	    self_heal      = 0.10
//	    finalize       = 0.10
//	  }
//	}
type File struct {
	// Scope is the working tree handed to every worker. Defaults to the
	// session work directory.
	Scope string `hcl:"scope,optional"`

	Worker *Worker `hcl:"worker,block"`
	Limits *Limits `hcl:"limits,block"`
	Budget *Budget `hcl:"budget,block"`
}

// Worker names the external worker binary and how to launch it.
type Worker struct {
	// Kind selects a registered runner. Defaults to "process".
	Kind    string   `hcl:"kind,optional"`
	Command []string `hcl:"command"`
	Env     []string `hcl:"env,optional"`
}

// Limits bounds a session. Durations are HCL strings in time.ParseDuration
// syntax.
type Limits struct {
	MaxIterations   int    `hcl:"max_iterations,optional"`
	SessionTimeout  string `hcl:"session_timeout,optional"`
	TaskTimeout     string `hcl:"task_timeout,optional"`
	MarkerGrace     string `hcl:"marker_grace,optional"`
	MaxWorkers      int    `hcl:"max_workers,optional"`
	OutputLimit     int    `hcl:"output_limit,optional"`
	DiagnosticLimit int    `hcl:"diagnostic_limit,optional"`
}

// Budget is the session resource pool and its per-phase split.
type Budget struct {
	Total      float64            `hcl:"total"`
	Allocation map[string]float64 `hcl:"allocation,optional"`
}

// Load reads and validates an orchestration config file.
func Load(ctx context.Context, path string) (*File, error) {
	ctxlog.FromContext(ctx).Debug("Loading orchestration config.", "path", path)

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %s", path, diags.Error())
	}

	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &f); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %s", path, diags.Error())
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.Worker == nil || len(f.Worker.Command) == 0 {
		return fmt.Errorf("a worker block with a non-empty command is required")
	}
	if f.Budget != nil && f.Budget.Total <= 0 {
		return fmt.Errorf("budget total must be positive")
	}
	if f.Budget != nil {
		var sum float64
		for phaseName, fraction := range f.Budget.Allocation {
			if fraction < 0 {
				return fmt.Errorf("budget allocation for %s must not be negative", phaseName)
			}
			sum += fraction
		}
		if len(f.Budget.Allocation) > 0 && sum > 1.0+1e-9 {
			return fmt.Errorf("budget allocation fractions sum to %.2f, must not exceed 1.0", sum)
		}
	}
	return nil
}

// WorkerKind returns the configured runner kind, defaulting to "process".
func (f *File) WorkerKind() string {
	if f.Worker.Kind == "" {
		return "process"
	}
	return f.Worker.Kind
}

// SessionOptions translates the config into session options rooted at
// workDir.
func (f *File) SessionOptions(workDir string) (session.Options, error) {
	opts := session.Options{
		WorkDir: workDir,
		Scope:   f.Scope,
	}

	if l := f.Limits; l != nil {
		opts.MaxIterations = l.MaxIterations
		opts.MaxWorkers = l.MaxWorkers
		opts.OutputLimit = l.OutputLimit
		opts.DiagnosticLimit = l.DiagnosticLimit

		var err error
		if opts.SessionTimeout, err = parseDuration("session_timeout", l.SessionTimeout); err != nil {
			return session.Options{}, err
		}
		if opts.TaskTimeout, err = parseDuration("task_timeout", l.TaskTimeout); err != nil {
			return session.Options{}, err
		}
		if opts.MarkerGrace, err = parseDuration("marker_grace", l.MarkerGrace); err != nil {
			return session.Options{}, err
		}
	}

	if b := f.Budget; b != nil {
		opts.BudgetTotal = b.Total
		if len(b.Allocation) > 0 {
			alloc := make(budget.Allocation, len(b.Allocation))
			for phaseName, fraction := range b.Allocation {
				alloc[phaseName] = fraction
			}
			opts.BudgetAllocation = alloc
		}
	}

	return opts, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}
