// Package api exposes the archive over HTTP: browsing users and
// messages, minting retrieval URLs for stored media, and triggering AI
// enrichment of archived attachments.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/dmateus/fieldlog/internal/blob"
	"github.com/dmateus/fieldlog/internal/config"
	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/gemini"
)

// Server is the HTTP query surface over the archive.
type Server struct {
	app  *fiber.App
	log  *slog.Logger
	addr string
}

// NewServer builds the fiber app and registers all routes.
func NewServer(cfg *config.Config, store database.Store, blobs blob.Store, ai gemini.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "api_server")

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BodyLimit:    1 * 1024 * 1024, // 1MB
	})

	app.Use(recover.New())
	app.Use(cors.New())

	h := &handlers{
		log:        log,
		store:      store,
		blobs:      blobs,
		ai:         ai,
		gemCfg:     cfg.Gemini,
		presignTTL: cfg.S3.PresignTTL,
	}

	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	v1.Get("/users", h.ListUsers)
	v1.Get("/messages", h.ListMessages)
	v1.Get("/messages/export", h.ExportMessages)
	v1.Get("/media-url", h.MediaURL)
	v1.Put("/media/:id/description", h.SetDescription)
	v1.Put("/media/:id/transcription", h.SetTranscription)
	v1.Post("/media/:id/generate-description", h.GenerateDescription)
	v1.Post("/media/:id/generate-transcription", h.GenerateTranscription)
	v1.Post("/summarize", h.Summarize)

	return &Server{app: app, log: log, addr: cfg.Server.ListenAddr}
}

// Start begins serving and blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}
