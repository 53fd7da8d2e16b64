// Package app wires the orchestration engine together: config file, logger,
// worker registry and the session lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/buildgrid/internal/config"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/worker"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *config.File
	registry *worker.Registry
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and worker
// registry.
func NewApp(outW io.Writer, appConfig *Config) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cfg, err := config.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Orchestration config loaded.", "worker_kind", cfg.WorkerKind())

	return &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		registry: worker.NewRegistry(),
	}
}

// Registry returns the application's worker registry. This is primarily for
// testing.
func (a *App) Registry() *worker.Registry {
	return a.registry
}
