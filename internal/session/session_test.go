package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vk/buildgrid/internal/errcode"
	"github.com/vk/buildgrid/internal/marker"
	"github.com/vk/buildgrid/internal/worker"
)

const testPlanSource = `
design {
  summary = "Two independent modules"
}

task "alpha" {
  description = "Build module alpha"
}

task "beta" {
  description = "Build module beta"
}
`

// phaseOf extracts the phase name from a phase-worker request id such as
// "design-iter-2".
func phaseOf(req worker.Request) string {
	name, _, _ := strings.Cut(req.TaskID, "-iter-")
	return name
}

// scriptedPhaseRunner is a worker.Func that produces each phase's artifact
// and records every invocation.
type scriptedPhaseRunner struct {
	mu    sync.Mutex
	calls []worker.Request
	// failValidate makes every validate invocation fail.
	failValidate bool
	// failResearch makes the research invocation fail.
	failResearch bool
}

func (r *scriptedPhaseRunner) Run(ctx context.Context, req worker.Request) (worker.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	ph := phaseOf(req)
	if ph == "research" && r.failResearch {
		return worker.Result{Stderr: "no sources found"}, errors.New("research worker crashed")
	}
	if ph == "validate" && r.failValidate {
		return worker.Result{Stderr: "3 checks failed"}, errors.New("exit status 1")
	}

	content := []byte(ph + " output\n")
	if ph == "design" {
		content = []byte(testPlanSource)
	}
	if err := os.WriteFile(req.ArtifactPath, content, 0o644); err != nil {
		return worker.Result{}, err
	}
	return worker.Result{Stdout: ph + " done"}, nil
}

func (r *scriptedPhaseRunner) callsFor(phaseName string) []worker.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []worker.Request
	for _, req := range r.calls {
		if phaseOf(req) == phaseName {
			out = append(out, req)
		}
	}
	return out
}

// markerWriter returns a task runner that publishes a success marker for
// every task, except ids listed in failOnIteration for that iteration.
func markerWriter(t *testing.T, failOnIteration map[int][]string) worker.Runner {
	t.Helper()
	return worker.Func(func(ctx context.Context, req worker.Request) (worker.Result, error) {
		for _, id := range failOnIteration[req.Iteration] {
			if id == req.TaskID {
				return worker.Result{Stderr: "build failed"}, errors.New("exit status 2")
			}
		}
		m := marker.Marker{
			TaskID:    req.TaskID,
			Success:   true,
			CreatedAt: time.Now().UTC(),
			Report: &marker.Report{
				TaskID:  req.TaskID,
				Status:  "done",
				Summary: "built " + req.TaskID,
			},
		}
		data, err := json.Marshal(m)
		if err != nil {
			return worker.Result{}, err
		}
		return worker.Result{Stdout: "ok"}, os.WriteFile(req.MarkerPath, data, 0o644)
	})
}

func newTestSession(t *testing.T, opts Options, phaseRunner, taskRunner worker.Runner) *Session {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = 5 * time.Second
	}
	if opts.BudgetTotal == 0 {
		opts.BudgetTotal = 1000
	}
	s, err := New(opts, phaseRunner, taskRunner)
	require.NoError(t, err)
	return s
}

func TestSessionHappyPath(t *testing.T) {
	phases := &scriptedPhaseRunner{}
	s := newTestSession(t, Options{}, phases, markerWriter(t, nil))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Reason)
	assert.Empty(t, res.Code)
	assert.Empty(t, res.Iterations)
	assert.Equal(t, s.ID(), res.SessionID)

	t.Run("every phase ran exactly once", func(t *testing.T) {
		for _, name := range []string{"research", "design", "validate", "finalize"} {
			assert.Len(t, phases.callsFor(name), 1, name)
		}
	})

	t.Run("artifacts persisted", func(t *testing.T) {
		for _, name := range []string{"research.md", "plan-iter-1.hcl", "build-report-iter-1.json", "validate-report-iter-1.json", "final.md", "final-report.json"} {
			path, ok := res.Artifacts[name]
			require.True(t, ok, name)
			_, err := os.Stat(path)
			assert.NoError(t, err, name)
		}
	})

	t.Run("status artifact reflects terminal state", func(t *testing.T) {
		data, err := os.ReadFile(s.artifacts.Path("status.yaml"))
		require.NoError(t, err)
		var doc statusDoc
		require.NoError(t, yaml.Unmarshal(data, &doc))
		assert.Equal(t, "completed", doc.Status)
		assert.Equal(t, "completed", doc.CurrentPhase)
		assert.Equal(t, 1, doc.Iteration)
	})

	t.Run("build report lists both tasks done", func(t *testing.T) {
		data, err := os.ReadFile(res.Artifacts["build-report-iter-1.json"])
		require.NoError(t, err)
		var report buildReport
		require.NoError(t, json.Unmarshal(data, &report))
		assert.True(t, report.Success)
		require.Len(t, report.Levels, 1)
		require.Len(t, report.Levels[0].Tasks, 2)
		assert.Equal(t, "alpha", report.Levels[0].Tasks[0].TaskID)
		assert.Equal(t, "beta", report.Levels[0].Tasks[1].TaskID)
	})
}

func TestSessionSelfHealsAfterBuildFailure(t *testing.T) {
	phases := &scriptedPhaseRunner{}
	// alpha fails on the first attempt only. Tight timeouts keep the
	// first attempt's marker barrier short.
	tasks := markerWriter(t, map[int][]string{1: {"alpha"}})
	s := newTestSession(t, Options{TaskTimeout: 500 * time.Millisecond, MarkerGrace: 100 * time.Millisecond}, phases, tasks)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	require.Len(t, res.Iterations, 1)
	record := res.Iterations[0]
	assert.Equal(t, 1, record.Iteration)
	assert.Equal(t, []string{"alpha"}, record.FailedTasks)
	require.NotEmpty(t, record.Diagnostics)
	assert.Contains(t, record.Diagnostics[0], "alpha")

	t.Run("second design attempt carries the failure history", func(t *testing.T) {
		designs := phases.callsFor("design")
		require.Len(t, designs, 2)
		assert.Empty(t, designs[0].Diagnostics)
		require.NotEmpty(t, designs[1].Diagnostics)
		assert.Contains(t, designs[1].Diagnostics[0], "alpha")
	})

	t.Run("no validate worker runs for a failed build", func(t *testing.T) {
		// The first iteration's build failure is itself the validation
		// verdict; only the second iteration reaches the validate worker.
		require.Len(t, phases.callsFor("validate"), 1)
		assert.Equal(t, 2, phases.callsFor("validate")[0].Iteration)
	})
}

func TestSessionRetriesExhausted(t *testing.T) {
	phases := &scriptedPhaseRunner{failValidate: true}
	s := newTestSession(t, Options{MaxIterations: 3}, phases, markerWriter(t, nil))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errcode.ValidateFailed, res.Code)
	assert.Contains(t, res.Reason, "3 iterations")

	// Exactly three attempts, never a fourth.
	assert.Len(t, phases.callsFor("design"), 3)
	assert.Len(t, phases.callsFor("validate"), 3)
	assert.Empty(t, phases.callsFor("finalize"))
	require.Len(t, res.Iterations, 3)
	for i, record := range res.Iterations {
		assert.Equal(t, i+1, record.Iteration)
		require.NotEmpty(t, record.Diagnostics)
	}

	t.Run("diagnostics artifact per attempt", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			name := fmt.Sprintf("diagnostics-iter-%d.json", i)
			assert.Contains(t, res.Artifacts, name)
		}
	})
}

func TestSessionResearchFailure(t *testing.T) {
	phases := &scriptedPhaseRunner{failResearch: true}
	s := newTestSession(t, Options{}, phases, markerWriter(t, nil))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "research phase worker")
	assert.Empty(t, res.Iterations)
	assert.Empty(t, phases.callsFor("design"))
}

func TestSessionPhaseWorkerMissingArtifact(t *testing.T) {
	// A clean exit without the artifact on disk is a failure: output without
	// the completion contract counts for nothing.
	phases := worker.Func(func(ctx context.Context, req worker.Request) (worker.Result, error) {
		return worker.Result{Stdout: "looks fine"}, nil
	})
	s := newTestSession(t, Options{}, phases, markerWriter(t, nil))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "produced no artifact")
}

func TestSessionTimeout(t *testing.T) {
	phases := worker.Func(func(ctx context.Context, req worker.Request) (worker.Result, error) {
		select {
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return worker.Result{}, nil
		}
	})
	s := newTestSession(t, Options{SessionTimeout: 50 * time.Millisecond}, phases, markerWriter(t, nil))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, errcode.SessionTimeout, res.Code)
	assert.Contains(t, res.Reason, "research")
}

func TestSessionMalformedPlanIsFatal(t *testing.T) {
	// A structurally invalid plan never reaches execution and is not
	// absorbed by the retry loop.
	phases := worker.Func(func(ctx context.Context, req worker.Request) (worker.Result, error) {
		content := "research output\n"
		if phaseOf(req) == "design" {
			content = `task "a" {
  description = "depends on a ghost"
  depends_on  = ["ghost"]
}
`
		}
		return worker.Result{}, os.WriteFile(req.ArtifactPath, []byte(content), 0o644)
	})
	s := newTestSession(t, Options{}, phases, markerWriter(t, nil))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errcode.GraphUnknownDependency, res.Code)
	assert.Empty(t, res.Iterations)
}
