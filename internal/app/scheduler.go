package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dmateus/fieldlog/internal/config"
)

// TaskFunc is a unit of scheduled work.
type TaskFunc func(ctx context.Context) error

// Scheduler drives the periodic fetch runs and database maintenance
// using gocron.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       config.SchedulerConfig
	fetch     TaskFunc
	maintain  TaskFunc
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a scheduler around the two recurring tasks: the
// update fetch run and SQL maintenance.
func NewScheduler(cfg config.SchedulerConfig, fetch, maintain TaskFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{scheduler: s, logger: log, cfg: cfg, fetch: fetch, maintain: maintain}, nil
}

// Start registers the jobs and begins ticking. Fetch runs are
// serialized: an overlapping tick is rescheduled rather than run
// concurrently, so at most one fetch touches the cursor at a time.
// Tasks run under ctx, so cancelling it interrupts an in-flight run
// at shutdown instead of waiting out a long poll.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.FetchInterval),
		gocron.NewTask(s.wrap("fetch_updates", s.fetch), ctx),
		gocron.WithName("fetch_updates"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule fetch job: %w", err)
	}

	_, err = s.scheduler.NewJob(
		gocron.CronJob(s.cfg.MaintenanceSchedule, false),
		gocron.NewTask(s.wrap("sql_maintenance", s.maintain), ctx),
		gocron.WithName("sql_maintenance"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance job: %w", err)
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started",
		"fetch_interval", s.cfg.FetchInterval,
		"maintenance_schedule", s.cfg.MaintenanceSchedule)

	return nil
}

// wrap adds run logging and error capture around a task.
func (s *Scheduler) wrap(name string, task TaskFunc) func(ctx context.Context) {
	return func(ctx context.Context) {
		s.logger.Debug("Running scheduled task", "task_name", name)
		start := time.Now()
		if err := task(ctx); err != nil {
			s.logger.Error("Scheduled task failed", "task_name", name, "error", err)
		}
		s.logger.Debug("Finished scheduled task", "task_name", name, "duration", time.Since(start))
	}
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped gracefully")
	}

	s.running = false
	return err
}
