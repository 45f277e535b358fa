package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"capture-coordinator/internal/auth"
	"capture-coordinator/internal/bus"
	"capture-coordinator/internal/capture"
	"capture-coordinator/internal/coordinator"
	"capture-coordinator/internal/platform/config"
	"capture-coordinator/internal/platform/logger"
	"capture-coordinator/internal/platform/metrics"
	"capture-coordinator/internal/playback"
	"capture-coordinator/internal/retention"
	"capture-coordinator/internal/store"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	dbPath := config.GetEnv("DB_PATH", "capture.db")
	authSecret := config.GetEnv("AUTH_SECRET", "")
	display := config.GetEnv("CAPTURE_DISPLAY", ":0.0")
	sweepInterval := config.GetEnvDuration("SWEEP_INTERVAL", retention.Interval)

	log := logger.New(logLevel, logFormat)

	if authSecret == "" {
		log.Error("AUTH_SECRET must be set")
		os.Exit(1)
	}

	st, err := store.Open(dbPath, log)
	if err != nil {
		log.Error("could not open chunk store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	met := metrics.New()
	msgBus := bus.New()
	authSvc := auth.New(authSecret)
	token, err := authSvc.Token()
	if err != nil {
		log.Error("could not mint runtime token", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := capture.NewFFmpegFactory(display, log)
	if err := factory.Available(); err != nil {
		log.Warn("capture backend unavailable; recording will fail until fixed", "error", err)
	}

	notifier := capture.NewBusNotifier(msgBus, token)

	headlessSession := capture.NewSession(factory, st, notifier, log, met)
	headlessHost := capture.NewHeadlessHost(headlessSession, log)
	go capture.NewRunner(msgBus, headlessHost, authSvc, log).Run(ctx)

	visibleSession := capture.NewSession(factory, st, notifier, log, met)
	visibleHost := capture.NewVisibleHost(visibleSession, logSurface{log}, log)
	go capture.NewRunner(msgBus, visibleHost, authSvc, log).Run(ctx)

	coord := coordinator.New(coordinator.Config{
		Headless:  capture.NewHostClient(msgBus, capture.VariantHeadless, token),
		Visible:   capture.NewHostClient(msgBus, capture.VariantVisible, token),
		Capacity:  coordinator.DiskCapacity{Path: filepath.Dir(dbPath)},
		Overlay:   coordinator.NewBusOverlay(msgBus, token),
		Indicator: logIndicator{log},
		Playback:  logPlayback{log},
		Bus:       msgBus,
		Auth:      authSvc,
		Logger:    log,
		Metrics:   met,
	})
	go coord.Run(ctx)

	sweeper := retention.New(st, coord.ActiveRecordingID, log, met)
	sweeper.SetInterval(sweepInterval)
	go sweeper.Run(ctx)

	recordingHandler := coordinator.NewHandler(coord, log)
	libraryHandler := playback.NewHandler(st, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			snap, serr := coord.Snapshot(req.Context())
			if serr == nil {
				met.SetActiveRecording(snap.Recording)
			}
		}).ServeHTTP(w, req)
	})
	r.Route("/api/recording", func(r chi.Router) {
		r.Use(auth.Middleware(authSvc))
		r.Post("/start", recordingHandler.Start)
		r.Post("/stop", recordingHandler.Stop)
		r.Get("/state", recordingHandler.State)
	})
	r.Route("/api/recordings", func(r chi.Router) {
		r.Get("/", libraryHandler.List)
		r.Get("/{id}", libraryHandler.Get)
		r.Patch("/{id}/name", libraryHandler.Rename)
		r.Delete("/{id}", libraryHandler.Delete)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"db_path", dbPath,
		"sweep_interval", sweepInterval,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// logSurface stands in for a real user-visible capture surface on a headless
// deployment; opening and closing it is purely observable in the logs.
type logSurface struct{ log *slog.Logger }

func (s logSurface) Open(recordingID string) error {
	s.log.Info("visible capture surface opened", "recording_id", recordingID)
	return nil
}
func (s logSurface) Focus() error { return nil }
func (s logSurface) Close() error {
	s.log.Info("visible capture surface closed")
	return nil
}

type logIndicator struct{ log *slog.Logger }

func (i logIndicator) Set(status coordinator.Status) {
	i.log.Info("recording indicator updated", "status", status)
}

type logPlayback struct{ log *slog.Logger }

func (p logPlayback) OpenPreview(recordingID string) {
	p.log.Info("playback preview ready", "url", "/api/recordings/"+recordingID)
}
