// Package executor runs one level of mutually independent tasks at a time,
// each task in an isolated worker, with the completion signal store as the
// only coordination primitive between them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/errcode"
	"github.com/vk/buildgrid/internal/graph"
	"github.com/vk/buildgrid/internal/marker"
	"github.com/vk/buildgrid/internal/schedule"
	"github.com/vk/buildgrid/internal/truncate"
	"github.com/vk/buildgrid/internal/worker"
)

const (
	// Default concurrency bounds: one worker per task, at least minWorkers,
	// never more than maxWorkersCap.
	minWorkers    = 2
	maxWorkersCap = 8

	// defaultMarkerGrace pads the barrier beyond the task timeout so a
	// worker that exits right at the deadline still gets its marker seen.
	defaultMarkerGrace = 2 * time.Second
)

// Config bounds a single executor.
type Config struct {
	// MaxWorkers caps per-level concurrency. Zero scales with level size.
	MaxWorkers int
	// TaskTimeout force-terminates a worker that runs past it.
	TaskTimeout time.Duration
	// MarkerGrace extends the level barrier past TaskTimeout.
	MarkerGrace time.Duration
	// OutputLimit and DiagnosticLimit bound the two captured channels
	// independently.
	OutputLimit     int
	DiagnosticLimit int
}

// Executor drives levels to completion. It is the single writer of task
// status: no other component transitions a task.
type Executor struct {
	runner worker.Runner
	store  marker.Store
	// markerPath resolves where a process worker should publish its marker.
	// Nil for in-process stores.
	markerPath func(taskID string) string

	cfg        Config
	output     truncate.Policy
	diagnostic truncate.Policy
}

// LevelContext is the shared, read-only input every worker in a level gets.
type LevelContext struct {
	DesignArtifact string
	Scope          string
	Iteration      int
}

// TaskResult is the terminal record for one task.
type TaskResult struct {
	TaskID      string
	Status      graph.Status
	Code        string
	Err         error
	Output      string
	Diagnostics string
	Report      *marker.Report
	Duration    time.Duration
	UnitsUsed   float64
}

// LevelResult aggregates one level's task results.
type LevelResult struct {
	Index     int
	Tasks     map[string]*TaskResult
	UnitsUsed float64
}

// Success reports whether every task in the level succeeded.
func (lr *LevelResult) Success() bool {
	for _, t := range lr.Tasks {
		if t.Status != graph.StatusDone {
			return false
		}
	}
	return true
}

// Failed returns the failed task results sorted by id.
func (lr *LevelResult) Failed() []*TaskResult {
	var out []*TaskResult
	for _, t := range lr.Tasks {
		if t.Status == graph.StatusFailed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// RunResult aggregates an entire parallel-build pass.
type RunResult struct {
	Levels    []*LevelResult
	UnitsUsed float64
}

// Diagnostics flattens every failed task into one line each, for the
// self-heal history.
func (rr *RunResult) Diagnostics() []string {
	var out []string
	for _, lr := range rr.Levels {
		for _, t := range lr.Failed() {
			line := fmt.Sprintf("level %d task %s: [%s] %v", lr.Index, t.TaskID, t.Code, t.Err)
			if t.Diagnostics != "" {
				line += "\n" + t.Diagnostics
			}
			out = append(out, line)
		}
	}
	return out
}

// New creates an executor over a runner and a completion signal store.
// markerPath may be nil when workers signal through the store directly.
func New(runner worker.Runner, store marker.Store, markerPath func(string) string, cfg Config) *Executor {
	if cfg.MarkerGrace <= 0 {
		cfg.MarkerGrace = defaultMarkerGrace
	}
	return &Executor{
		runner:     runner,
		store:      store,
		markerPath: markerPath,
		cfg:        cfg,
		output:     truncate.NewPolicy(cfg.OutputLimit),
		diagnostic: truncate.NewPolicy(cfg.DiagnosticLimit),
	}
}

// Run executes the levels strictly in order. A failed level fails the run;
// later levels never start. The returned RunResult always holds every level
// that ran, including the failed one.
func (e *Executor) Run(ctx context.Context, g *graph.Graph, levels []schedule.Level, lctx LevelContext) (*RunResult, error) {
	logger := ctxlog.FromContext(ctx)
	result := &RunResult{}

	for i, level := range levels {
		logger.Info("Starting level.", "level", i, "tasks", []string(level))
		lr := e.runLevel(ctx, g, i, level, lctx)
		result.Levels = append(result.Levels, lr)
		result.UnitsUsed += lr.UnitsUsed

		if !lr.Success() {
			failed := lr.Failed()
			ids := make([]string, 0, len(failed))
			for _, t := range failed {
				ids = append(ids, t.TaskID)
			}
			logger.Error("Level failed; aborting remaining levels.", "level", i, "failed_tasks", ids)
			return result, &LevelFailure{Index: i, TaskIDs: ids, FirstCode: failed[0].Code}
		}
		logger.Info("Level completed.", "level", i)
	}
	return result, nil
}

// runLevel spawns one worker per task, blocks on the marker barrier, then
// waits for every worker to reach a terminal state before evaluating.
func (e *Executor) runLevel(ctx context.Context, g *graph.Graph, index int, level schedule.Level, lctx LevelContext) *LevelResult {
	logger := ctxlog.FromContext(ctx)

	workers := e.workersFor(len(level))
	logger.Debug("Level worker pool sized.", "level", index, "workers", workers)

	for _, id := range level {
		if task, ok := g.Task(id); ok {
			task.Status = graph.StatusReady
		}
	}

	type procOutcome struct {
		res      worker.Result
		err      error
		duration time.Duration
	}
	outcomes := make(map[string]*procOutcome, len(level))
	var mu sync.Mutex

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, id := range level {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			task, _ := g.Task(id)
			task.Status = graph.StatusRunning

			req := worker.Request{
				TaskID:         id,
				Description:    task.Description,
				Resources:      task.Resources,
				DesignArtifact: lctx.DesignArtifact,
				Scope:          lctx.Scope,
				Iteration:      lctx.Iteration,
			}
			if e.markerPath != nil {
				req.MarkerPath = e.markerPath(id)
			}

			tctx := ctx
			var cancel context.CancelFunc
			if e.cfg.TaskTimeout > 0 {
				tctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
				defer cancel()
			}

			start := time.Now()
			res, err := e.runner.Run(tctx, req)

			mu.Lock()
			outcomes[id] = &procOutcome{res: res, err: err, duration: time.Since(start)}
			mu.Unlock()
		}(id)
	}

	// The per-level barrier: the controller blocks here on the completion
	// signal store, then on worker termination. A wait error is not itself
	// a verdict; per-task evaluation below decides what failed and why.
	barrier := e.cfg.TaskTimeout + e.cfg.MarkerGrace
	if e.cfg.TaskTimeout <= 0 {
		barrier = e.cfg.MarkerGrace
	}
	if waitErr := e.store.WaitAll(ctx, level, barrier); waitErr != nil {
		logger.Debug("Marker barrier returned without all markers.", "level", index, "error", waitErr)
	}
	wg.Wait()

	lr := &LevelResult{Index: index, Tasks: make(map[string]*TaskResult, len(level))}
	for _, id := range level {
		o := outcomes[id]
		task, _ := g.Task(id)
		tr := e.evaluate(ctx, id, task.Resources, o.res, o.err, o.duration)
		if task != nil {
			task.Status = tr.Status
		}
		lr.Tasks[id] = tr
		lr.UnitsUsed += tr.UnitsUsed
	}
	return lr
}

// evaluate applies the execution-integrity matrix: a task succeeded only if
// the worker exited cleanly AND its completion marker exists; either without
// the other is an integrity failure.
func (e *Executor) evaluate(ctx context.Context, id string, resources []string, res worker.Result, runErr error, duration time.Duration) *TaskResult {
	tr := &TaskResult{
		TaskID:      id,
		Output:      e.output.Apply(res.Stdout),
		Diagnostics: e.diagnostic.Apply(res.Stderr),
		Duration:    duration,
		UnitsUsed:   duration.Seconds(),
	}

	exists, existsErr := e.store.Exists(ctx, id)
	if existsErr != nil {
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerIntegrity
		tr.Err = fmt.Errorf("failed to consult completion store for %s: %w", id, existsErr)
		return tr
	}

	timedOut := errors.Is(runErr, context.DeadlineExceeded)
	switch {
	case timedOut:
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerTimeout
		tr.Err = fmt.Errorf("task %s exceeded its timeout: %w", id, runErr)

	case runErr == nil && !exists:
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerIntegrity
		tr.Err = &IntegrityError{TaskID: id, ExitedOK: true, MarkerExists: false}

	case runErr != nil && exists:
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerIntegrity
		tr.Err = &IntegrityError{TaskID: id, ExitedOK: false, MarkerExists: true}

	case runErr != nil:
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerCrash
		tr.Err = fmt.Errorf("task %s worker failed: %w", id, runErr)

	default:
		e.evaluateMarker(ctx, id, resources, tr)
	}
	return tr
}

// evaluateMarker inspects a successfully signaled task: worker-reported
// failure and scope violations still fail the task.
func (e *Executor) evaluateMarker(ctx context.Context, id string, resources []string, tr *TaskResult) {
	m, err := e.store.Read(ctx, id)
	if err != nil {
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerIntegrity
		tr.Err = fmt.Errorf("marker for %s unreadable: %w", id, err)
		return
	}
	tr.Report = m.Report
	if m.Report != nil && m.Report.UnitsUsed > 0 {
		tr.UnitsUsed = m.Report.UnitsUsed
	}

	if !m.Success {
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerCrash
		tr.Err = fmt.Errorf("task %s worker reported failure: %s", id, reportSummary(m.Report))
		return
	}

	if err := checkScope(id, resources, m.Report); err != nil {
		tr.Status = graph.StatusFailed
		tr.Code = errcode.WorkerScope
		tr.Err = err
		return
	}

	tr.Status = graph.StatusDone
}

func (e *Executor) workersFor(levelSize int) int {
	if e.cfg.MaxWorkers > 0 {
		return e.cfg.MaxWorkers
	}
	workers := levelSize
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkersCap {
		workers = maxWorkersCap
	}
	return workers
}

func reportSummary(r *marker.Report) string {
	if r == nil {
		return "no report"
	}
	if r.Summary != "" {
		return r.Summary
	}
	return r.Status
}
