// Package app wires the archiver's components together and manages
// their lifecycle: the scheduler driving fetch runs, and the HTTP
// query surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmateus/fieldlog/internal/api"
	"github.com/dmateus/fieldlog/internal/config"
)

const shutdownTimeout = 10 * time.Second

// App orchestrates the long-running components.
type App struct {
	logger    *slog.Logger
	cfg       *config.Config
	scheduler *Scheduler
	server    *api.Server
}

// New assembles the application. server may be nil when the HTTP
// surface is disabled.
func New(logger *slog.Logger, cfg *config.Config, scheduler *Scheduler, server *api.Server) *App {
	return &App{
		logger:    logger.With("component", "app"),
		cfg:       cfg,
		scheduler: scheduler,
		server:    server,
	}
}

// Run starts all components and blocks until the context is cancelled
// or a component fails. Shutdown is graceful in both cases.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting application...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.scheduler.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping scheduler...")

		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			if err := a.server.Start(); err != nil {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Error shutting down HTTP server", "error", err)
			}
			return nil
		})
	}

	a.logger.Info("Application running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Application stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Application stopped gracefully.")
	return nil
}
