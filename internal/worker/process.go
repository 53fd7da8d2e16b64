package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// killGracePeriod is how long a force-terminated process gets to flush its
// pipes before Wait gives up on them.
const killGracePeriod = 5 * time.Second

// ProcessRunner spawns one isolated OS process per request. The request is
// passed entirely through the environment, so any executable honoring the
// variable contract can serve as a worker.
type ProcessRunner struct {
	// Command is the argv template; the same command serves every task.
	Command []string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
}

// NewProcessRunner validates the command template and returns a runner.
func NewProcessRunner(command []string, env []string) (*ProcessRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command must not be empty")
	}
	return &ProcessRunner{Command: command, Env: env}, nil
}

// Run executes the worker process and blocks until it exits or ctx expires.
// On expiry the process is killed and the partial captured output is
// returned alongside the context error.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (Result, error) {
	logger := ctxlog.FromContext(ctx).With("task", req.TaskID)

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = req.Scope
	cmd.Env = append(append(os.Environ(), r.Env...), environFor(req)...)
	cmd.WaitDelay = killGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Spawning worker process.", "command", r.Command[0])
	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		logger.Debug("Worker process exited with error.", "error", err, "elapsed", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("worker process for %s: %w", req.TaskID, err)
	}

	logger.Debug("Worker process exited cleanly.", "elapsed", time.Since(start))
	return res, nil
}

// environFor translates a request into the worker environment contract.
func environFor(req Request) []string {
	return []string{
		"BUILDGRID_TASK_ID=" + req.TaskID,
		"BUILDGRID_TASK_DESCRIPTION=" + req.Description,
		"BUILDGRID_RESOURCES=" + strings.Join(req.Resources, "\n"),
		"BUILDGRID_DESIGN_ARTIFACT=" + req.DesignArtifact,
		"BUILDGRID_MARKER_PATH=" + req.MarkerPath,
		"BUILDGRID_ARTIFACT_PATH=" + req.ArtifactPath,
		"BUILDGRID_DIAGNOSTICS=" + strings.Join(req.Diagnostics, "\n"),
		"BUILDGRID_ITERATION=" + strconv.Itoa(req.Iteration),
	}
}
