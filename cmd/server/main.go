package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/internal/camera"
	"camstream/internal/platform/config"
	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
	"camstream/internal/streams"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	outputRoot := config.GetEnv("OUTPUT_DIR", "./data/hls")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(os.Stdout, logLevel, logFormat)

	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		log.Error("create output root", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	bus := streams.NewBus(log)

	sup := streams.NewSupervisor(streams.SupervisorConfig{
		FFmpegPath:      config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentSeconds:  config.GetEnvInt("SEGMENT_SECONDS", 2),
		PlaylistWindow:  config.GetEnvInt("PLAYLIST_WINDOW", 6),
		StartupTimeout:  config.GetEnvDuration("STARTUP_TIMEOUT", 10*time.Second),
		LivenessTimeout: config.GetEnvDuration("LIVENESS_TIMEOUT", 30*time.Second),
	}, log)

	var resolver streams.SourceResolver
	if apiURL := config.GetEnv("CAMERA_API_URL", ""); apiURL != "" {
		resolver = camera.New(apiURL)
	}

	mgr := streams.NewManager(streams.ManagerConfig{
		MaxStreams: config.GetEnvInt("MAX_STREAMS", 8),
		OutputRoot: outputRoot,
		StopGrace:  config.GetEnvDuration("STOP_GRACE", 5*time.Second),
		Reconnect: streams.ReconnectPolicy{
			MaxAttempts: config.GetEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			Delay:       config.GetEnvDuration("RECONNECT_DELAY", 5*time.Second),
		},
	}, sup, bus, resolver, met, log)

	janitor := streams.NewJanitor(
		outputRoot,
		config.GetEnvDuration("JANITOR_INTERVAL", time.Hour),
		config.GetEnvDuration("JANITOR_RETENTION", 24*time.Hour),
		mgr.Owns,
		log,
	)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go janitor.Run(janitorCtx)

	h := streams.NewHandler(mgr, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met, "/hls/"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(mgr.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Route("/streams", func(r chi.Router) {
		r.Post("/", h.CreateStream)
		r.Get("/", h.ListStreams)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Delete("/", h.StopStream)
			r.Get("/events", h.StreamEvents)
		})
	})
	r.Handle("/hls/*", http.StripPrefix("/hls/", http.FileServer(http.Dir(outputRoot))))

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
		"output_root", outputRoot,
		"max_streams", config.GetEnvInt("MAX_STREAMS", 8),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	mgr.Shutdown(ctx)

	log.Info("server stopped")
}
