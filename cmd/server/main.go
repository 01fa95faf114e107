package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicenotes/pkg/api"
	"voicenotes/pkg/config"
	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/notes"
	"voicenotes/pkg/pipeline"
	"voicenotes/pkg/ratelimit"
	"voicenotes/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	})
	slog.SetDefault(log)

	if cfg.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET must be set")
	}

	noteStore, err := storage.OpenNotes(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open note store: %w", err)
	}
	defer noteStore.Close()

	objects, err := storage.OpenObjects(cfg.Storage, cfg.Server.PublicURL)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	service := notes.NewService(noteStore, objects, log)

	if cfg.Transcriber.APIKey == "" {
		log.Warn("no transcriber API key configured, every job will fail and fall back")
	}
	manager := pipeline.NewManager(cfg.Pipeline, service, objects, pipeline.NewWhisperClient(cfg.Transcriber), nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	tracker := monitor.NewTracker(
		monitor.New(monitor.Background, noteStore, service, service, log),
		log,
		monitor.OnDone(func(noteID string, note *models.Note, err error) {
			if err != nil {
				log.Warn("background watch ended", slog.String("note_id", noteID), slog.String("error", err.Error()))
			}
		}),
	)
	resumeTracking(ctx, noteStore, tracker, log)

	handlers := api.NewHandlers(api.Deps{
		Notes:     noteStore,
		Service:   service,
		Objects:   objects,
		Jobs:      manager,
		Tracker:   tracker,
		Limiter:   ratelimit.NewCounter(cfg.RateLimit.Uploads, cfg.RateLimit.Window),
		JWTSecret: cfg.Auth.JWTSecret,
		PublicURL: cfg.Server.PublicURL,
		MaxUpload: cfg.Server.MaxUploadBytes,
		Log:       log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewRouter(handlers, cfg.Server.AllowOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			slog.String("address", cfg.Server.Address),
			slog.String("storage", cfg.Storage.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		tracker.Stop()
		manager.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	tracker.Stop()
	manager.Stop()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// resumeTracking watches notes left in processing by a previous run so they
// still reach a terminal status.
func resumeTracking(ctx context.Context, store storage.NoteStore, tracker *monitor.Tracker, log *slog.Logger) {
	pending, err := store.ListByStatus(ctx, models.StatusProcessing)
	if err != nil {
		log.Warn("could not list processing notes", slog.String("error", err.Error()))
		return
	}
	for _, n := range pending {
		tracker.Track(n.ID)
	}
	if len(pending) > 0 {
		log.Info("resumed tracking", slog.Int("notes", len(pending)))
	}
}
