// Package main contains the entrypoint for the fieldlog archiver.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmateus/fieldlog/internal/api"
	"github.com/dmateus/fieldlog/internal/app"
	"github.com/dmateus/fieldlog/internal/blob"
	"github.com/dmateus/fieldlog/internal/config"
	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/fetcher"
	"github.com/dmateus/fieldlog/internal/gemini"
	"github.com/dmateus/fieldlog/internal/logger"
	"github.com/dmateus/fieldlog/internal/source"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, starts the application, and returns
// an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	fetchOnce := flag.Bool("fetch-once", false, "Run a single fetch pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("Logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	blobs, err := blob.NewS3Store(ctx, cfg.S3, log)
	if err != nil {
		log.Error("Failed to initialize object storage", "bucket", cfg.S3.Bucket, "error", err)
		return 1
	}

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	src, err := source.NewTelegram(cfg.Telegram.Token, cfg.Telegram.PollTimeout, log)
	if err != nil {
		log.Error("Failed to create Telegram source", "error", err)
		return 1
	}

	survey := fetcher.NewSurvey(log, store, src, cfg.Survey.Command, cfg.Survey.Questions)
	ftch := fetcher.New(log, store, src, blobs, survey, cfg.Telegram.BatchLimit)

	if *fetchOnce {
		log.Info("Running single fetch pass")
		if err := ftch.Run(ctx); err != nil {
			log.Error("Fetch pass failed", "error", err)
			return 1
		}
		log.Info("Fetch pass complete")
		return 0
	}

	sched, err := app.NewScheduler(cfg.Scheduler, ftch.Run, store.RunSQLMaintenance, log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(cfg, store, blobs, gemClient, log)
	}

	application := app.New(log, cfg, sched, server)

	log.Info("Starting fieldlog...")
	runErr := application.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Application stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Application stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
