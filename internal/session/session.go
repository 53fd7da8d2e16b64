// Package session runs one complete orchestration: the phase state machine,
// the self-healing retry loop around its design/build/validate sub-cycle,
// and the terminal report. A session is created once per run, mutated only
// at phase transitions, and ends Completed, Failed or TimedOut.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vk/buildgrid/internal/artifact"
	"github.com/vk/buildgrid/internal/budget"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/errcode"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/graph"
	"github.com/vk/buildgrid/internal/marker"
	"github.com/vk/buildgrid/internal/phase"
	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/schedule"
	"github.com/vk/buildgrid/internal/truncate"
	"github.com/vk/buildgrid/internal/worker"
)

// DefaultMaxIterations bounds the self-healing retry loop.
const DefaultMaxIterations = 3

// DefaultAllocation splits the resource pool across phases when the config
// does not.
var DefaultAllocation = budget.Allocation{
	phase.Research.String():      0.10,
	phase.Design.String():        0.15,
	phase.ParallelBuild.String(): 0.40,
	phase.Validate.String():      0.15,
	phase.SelfHeal.String():      0.10,
	phase.Finalize.String():      0.10,
}

// Options configures a session.
type Options struct {
	// WorkDir holds the session's artifacts and completion markers.
	WorkDir string
	// Scope is the working tree every worker runs in.
	Scope string

	MaxIterations  int
	SessionTimeout time.Duration
	TaskTimeout    time.Duration
	MarkerGrace    time.Duration
	MaxWorkers     int

	OutputLimit     int
	DiagnosticLimit int

	BudgetTotal      float64
	BudgetAllocation budget.Allocation
}

// Session is one orchestration run.
type Session struct {
	id   string
	opts Options

	machine   *phase.Machine
	budget    *budget.Tracker
	artifacts *artifact.Store
	diag      truncate.Policy

	// phaseRunner produces the research/design/validate/finalize artifacts;
	// taskRunner executes build-level tasks. They are usually the same
	// runner with different requests.
	phaseRunner worker.Runner
	taskRunner  worker.Runner

	iteration    int
	history      []IterationRecord
	diagnostics  []string
	artifactRefs map[string]string
}

// New creates a session rooted at opts.WorkDir.
func New(opts Options, phaseRunner, taskRunner worker.Runner) (*Session, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("session work directory must be set")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.BudgetAllocation == nil {
		opts.BudgetAllocation = DefaultAllocation
	}
	if opts.Scope == "" {
		opts.Scope = opts.WorkDir
	}

	store, err := artifact.NewStore(filepath.Join(opts.WorkDir, "artifacts"))
	if err != nil {
		return nil, err
	}

	return &Session{
		id:           uuid.NewString(),
		opts:         opts,
		machine:      phase.NewMachine(),
		budget:       budget.NewTracker(opts.BudgetTotal, opts.BudgetAllocation),
		artifacts:    store,
		diag:         truncate.NewPolicy(opts.DiagnosticLimit),
		phaseRunner:  phaseRunner,
		taskRunner:   taskRunner,
		artifactRefs: make(map[string]string),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Run drives the session to a terminal state. The returned Result is always
// non-nil; its Status says how the session ended.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	ctx = ctxlog.With(ctx, "session_id", s.id)
	if s.opts.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SessionTimeout)
		defer cancel()
	}

	// Persist the status artifact at every phase boundary.
	s.machine.OnChange(func(from, to phase.Phase) {
		s.writeStatus(ctx, "running")
	})
	s.writeStatus(ctx, "running")

	res := s.run(ctx)
	s.writeStatus(ctx, string(res.Status))

	if data, err := json.MarshalIndent(res, "", "  "); err == nil {
		if path, werr := s.artifacts.Write(ctx, "final-report.json", data); werr == nil {
			res.Artifacts["final-report.json"] = path
		}
	}
	return res, nil
}

func (s *Session) run(ctx context.Context) *Result {
	logger := ctxlog.FromContext(ctx)

	if _, err := s.runPhaseWorker(ctx, phase.Research, "research.md", nil); err != nil {
		return s.terminal(ctx, err)
	}

	for {
		s.iteration++
		logger.Info("Entering design/build/validate cycle.", "iteration", s.iteration, "max_iterations", s.opts.MaxIterations)

		if res := s.transition(ctx, phase.Design); res != nil {
			return res
		}
		planName := fmt.Sprintf("plan-iter-%d.hcl", s.iteration)
		if _, err := s.runPhaseWorker(ctx, phase.Design, planName, s.diagnostics); err != nil {
			return s.terminal(ctx, err)
		}

		p, err := plan.Load(ctx, s.artifacts.Path(planName), plan.EvalVars{SessionID: s.id, Iteration: s.iteration})
		if err != nil {
			return s.terminal(ctx, err)
		}
		// Graph validation errors are fatal before anything runs; a malformed
		// plan is not a validation failure the retry loop can absorb.
		g, err := graph.Build(ctx, p.Tasks)
		if err != nil {
			return s.terminal(ctx, err)
		}
		levels := schedule.Levels(ctx, g)

		if res := s.transition(ctx, phase.ParallelBuild); res != nil {
			return res
		}
		runRes, buildErr := s.runBuild(ctx, g, levels, planName)
		if ctx.Err() != nil {
			return s.terminal(ctx, ctx.Err())
		}

		if res := s.transition(ctx, phase.Validate); res != nil {
			return res
		}
		failedTasks, attemptDiags, valErr := s.validate(ctx, runRes, buildErr)
		if ctx.Err() != nil {
			return s.terminal(ctx, ctx.Err())
		}

		if valErr == nil {
			if res := s.transition(ctx, phase.Finalize); res != nil {
				return res
			}
			if _, err := s.runPhaseWorker(ctx, phase.Finalize, "final.md", nil); err != nil {
				return s.terminal(ctx, err)
			}
			if res := s.transition(ctx, phase.Completed); res != nil {
				return res
			}
			return s.result(StatusCompleted, "", "")
		}

		if res := s.transition(ctx, phase.SelfHeal); res != nil {
			return res
		}
		record := IterationRecord{
			Iteration:   s.iteration,
			FailedTasks: failedTasks,
			Diagnostics: attemptDiags,
		}
		s.history = append(s.history, record)
		// Later attempts see the full failure history, not just the latest.
		s.diagnostics = append(s.diagnostics, attemptDiags...)
		s.persistDiagnostics(ctx)

		if s.iteration >= s.opts.MaxIterations {
			logger.Error("Self-healing retries exhausted.", "iterations", s.iteration)
			if res := s.transition(ctx, phase.Failed); res != nil {
				return res
			}
			return s.result(StatusFailed,
				fmt.Sprintf("validation failed on all %d iterations: %v", s.iteration, valErr),
				errcode.Of(valErr))
		}
		logger.Warn("Validation failed; re-entering design.", "iteration", s.iteration, "error", valErr)
	}
}

// runBuild executes one parallel-build pass with an iteration-scoped marker
// namespace and persists the build report artifact.
func (s *Session) runBuild(ctx context.Context, g *graph.Graph, levels []schedule.Level, planName string) (*executor.RunResult, error) {
	s.precheck(ctx, phase.ParallelBuild)

	store, err := marker.NewFileStore(filepath.Join(s.opts.WorkDir, "markers"), fmt.Sprintf("iter-%d", s.iteration))
	if err != nil {
		return &executor.RunResult{}, err
	}

	exec := executor.New(s.taskRunner, store, store.PathFor, executor.Config{
		MaxWorkers:      s.opts.MaxWorkers,
		TaskTimeout:     s.opts.TaskTimeout,
		MarkerGrace:     s.opts.MarkerGrace,
		OutputLimit:     s.opts.OutputLimit,
		DiagnosticLimit: s.opts.DiagnosticLimit,
	})
	runRes, buildErr := exec.Run(ctx, g, levels, executor.LevelContext{
		DesignArtifact: s.artifacts.Path(planName),
		Scope:          s.opts.Scope,
		Iteration:      s.iteration,
	})
	s.budget.Record(ctx, phase.ParallelBuild.String(), runRes.UnitsUsed)

	report := buildReport{Iteration: s.iteration, Success: buildErr == nil}
	for _, lr := range runRes.Levels {
		level := buildLevelReport{Index: lr.Index}
		for _, id := range sortedTaskIDs(lr) {
			tr := lr.Tasks[id]
			level.Tasks = append(level.Tasks, buildTaskReport{
				TaskID:   tr.TaskID,
				Status:   string(tr.Status),
				Code:     tr.Code,
				Error:    errString(tr.Err),
				Output:   tr.Output,
				Duration: tr.Duration.String(),
			})
		}
		report.Levels = append(report.Levels, level)
	}
	name := fmt.Sprintf("build-report-iter-%d.json", s.iteration)
	if data, merr := json.MarshalIndent(report, "", "  "); merr == nil {
		if path, werr := s.artifacts.Write(ctx, name, data); werr == nil {
			s.artifactRefs[name] = path
		}
	}
	return runRes, buildErr
}

// validate decides the fate of one iteration. A build failure short-circuits:
// there is nothing coherent to validate, so its diagnostics become the
// validation failure. Otherwise the validate worker runs the checks.
func (s *Session) validate(ctx context.Context, runRes *executor.RunResult, buildErr error) (failedTasks, attemptDiags []string, valErr error) {
	if buildErr != nil {
		return failedTaskIDs(runRes), runRes.Diagnostics(),
			&ValidationError{Iteration: s.iteration, Cause: buildErr}
	}

	name := fmt.Sprintf("validate-report-iter-%d.json", s.iteration)
	res, err := s.runPhaseWorker(ctx, phase.Validate, name, s.diagnostics)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		diag := fmt.Sprintf("iteration %d validation: %v", s.iteration, err)
		if stderr := s.diag.Apply(res.Stderr); stderr != "" {
			diag += "\n" + stderr
		}
		return nil, []string{diag}, &ValidationError{Iteration: s.iteration, Cause: err}
	}
	return nil, nil, nil
}

// runPhaseWorker runs the external collaborator for one phase. Success needs
// a clean exit AND the phase artifact on disk, mirroring the task-level
// marker contract.
func (s *Session) runPhaseWorker(ctx context.Context, ph phase.Phase, artifactName string, diags []string) (worker.Result, error) {
	s.precheck(ctx, ph)

	req := worker.Request{
		TaskID:         fmt.Sprintf("%s-iter-%d", ph, s.iteration),
		Description:    fmt.Sprintf("%s phase of session %s", ph, s.id),
		Scope:          s.opts.Scope,
		ArtifactPath:   s.artifacts.Path(artifactName),
		DesignArtifact: s.artifactRefs[fmt.Sprintf("plan-iter-%d.hcl", s.iteration)],
		Diagnostics:    diags,
		Iteration:      s.iteration,
	}

	start := time.Now()
	res, err := s.phaseRunner.Run(ctx, req)
	s.budget.Record(ctx, ph.String(), time.Since(start).Seconds())

	if err != nil {
		return res, fmt.Errorf("%s phase worker: %w", ph, err)
	}
	if !s.artifacts.Exists(artifactName) {
		return res, fmt.Errorf("%s phase worker exited cleanly but produced no artifact %s", ph, artifactName)
	}
	s.artifactRefs[artifactName] = s.artifacts.Path(artifactName)
	return res, nil
}

// precheck consults the budget tracker before phase entry. Critical is a
// recommendation, never a gate.
func (s *Session) precheck(ctx context.Context, ph phase.Phase) {
	estimate := s.opts.BudgetAllocation[ph.String()] * s.opts.BudgetTotal
	zone := s.budget.Precheck(ctx, ph.String(), estimate)
	if zone == budget.ZoneCritical {
		ctxlog.FromContext(ctx).Warn(
			"Budget critical before phase entry; recommend isolating this phase's work in a narrower-scoped worker.",
			"phase", ph.String())
	}
}

// transition moves the machine or converts an impossible edge into a
// terminal result. Table violations here are engine bugs, not worker faults.
func (s *Session) transition(ctx context.Context, to phase.Phase) *Result {
	if err := s.machine.Transition(ctx, to); err != nil {
		return s.terminal(ctx, err)
	}
	return nil
}

// terminal converts an error into the session's terminal result, preserving
// every persisted artifact and the full iteration history.
func (s *Session) terminal(ctx context.Context, err error) *Result {
	if s.machine.CanTransition(phase.Failed) {
		_ = s.machine.Transition(ctx, phase.Failed)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return s.result(StatusTimedOut,
			fmt.Sprintf("session timed out in %s phase", s.machine.Current()),
			errcode.SessionTimeout)
	}

	code := errcode.Of(err)
	if code == "" {
		code = errcode.WorkerCrash
	}
	return s.result(StatusFailed, err.Error(), code)
}

func (s *Session) result(status TerminalStatus, reason, code string) *Result {
	peak, avg := s.budget.Utilization()
	refs := make(map[string]string, len(s.artifactRefs))
	for name, path := range s.artifactRefs {
		refs[name] = path
	}
	return &Result{
		SessionID:          s.id,
		Status:             status,
		Reason:             reason,
		Code:               code,
		Iterations:         append([]IterationRecord(nil), s.history...),
		Artifacts:          refs,
		PeakUtilization:    peak,
		AverageUtilization: avg,
	}
}

func (s *Session) persistDiagnostics(ctx context.Context) {
	name := fmt.Sprintf("diagnostics-iter-%d.json", s.iteration)
	data, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return
	}
	if path, werr := s.artifacts.Write(ctx, name, data); werr == nil {
		s.artifactRefs[name] = path
	}
}

type buildReport struct {
	Iteration int                `json:"iteration"`
	Success   bool               `json:"success"`
	Levels    []buildLevelReport `json:"levels"`
}

type buildLevelReport struct {
	Index int               `json:"index"`
	Tasks []buildTaskReport `json:"tasks"`
}

type buildTaskReport struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
	Duration string `json:"duration"`
}

func sortedTaskIDs(lr *executor.LevelResult) []string {
	ids := make([]string, 0, len(lr.Tasks))
	for id := range lr.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func failedTaskIDs(runRes *executor.RunResult) []string {
	var out []string
	for _, lr := range runRes.Levels {
		for _, tr := range lr.Failed() {
			out = append(out, tr.TaskID)
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
