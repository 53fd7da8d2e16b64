package app

import (
	"context"
	"fmt"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/session"
	"github.com/vk/buildgrid/internal/worker"
)

// Run executes one orchestration session based on the provided configuration.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	runner, err := a.registry.New(a.cfg.WorkerKind(), worker.Options{
		Command: a.cfg.Worker.Command,
		Env:     a.cfg.Worker.Env,
	})
	if err != nil {
		return fmt.Errorf("failed to build worker runner: %w", err)
	}

	opts, err := a.cfg.SessionOptions(appConfig.WorkDir)
	if err != nil {
		return err
	}
	if appConfig.Scope != "" {
		opts.Scope = appConfig.Scope
	}
	if appConfig.MaxIterations > 0 {
		opts.MaxIterations = appConfig.MaxIterations
	}

	// One runner serves both roles; the request shape distinguishes a phase
	// worker from a build task worker.
	sess, err := session.New(opts, runner, runner)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	a.logger.Info("🚀 Starting orchestration session.", "session_id", sess.ID(), "work_dir", opts.WorkDir)
	res, err := sess.Run(ctx)
	if err != nil {
		return fmt.Errorf("session run failed: %w", err)
	}

	switch res.Status {
	case session.StatusCompleted:
		a.logger.Info("🏁 Session completed.",
			"session_id", res.SessionID,
			"iterations", len(res.Iterations)+1,
			"peak_utilization", res.PeakUtilization)
		return nil
	case session.StatusTimedOut:
		return fmt.Errorf("session timed out: %s [%s]", res.Reason, res.Code)
	default:
		return fmt.Errorf("session failed: %s [%s]", res.Reason, res.Code)
	}
}
