package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cvd-risk/internal/api"
	"cvd-risk/internal/cfg"
	"cvd-risk/internal/inference"
	"cvd-risk/internal/metrics"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	registry, runtime, err := initializeRegistry(c, store, mw)
	if err != nil {
		log.Fatal().Err(err).Msg("model registry initialization failed")
	}
	defer runtime.Close()
	defer registry.Close()

	normalizer, err := inference.NewNormalizer(c)
	if err != nil {
		log.Fatal().Err(err).Msg("fusion normalization unavailable")
	}
	service := inference.NewService(registry, normalizer, mw)

	if c.Warmup {
		warmup(ctx, registry)
	}

	startMetricsServer(ctx, c)

	var history api.History
	if store != nil {
		history = store
	}
	server := api.NewServer(api.Config{
		Port:           c.Port,
		RequestTimeout: c.RequestTimeout,
		MaxUploadBytes: c.MaxUploadBytes,
	}, service, registry, history, mw)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("prediction API failed")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel, server)
}

// setupLogging applies the configured level and output format.
func setupLogging(c cfg.Settings) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// initializeStorage initializes the artifact catalog if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath != "" {
		store, err := storage.New(c.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without artifact catalog")
			return nil
		}
		return store
	}
	return nil
}

func initializeRegistry(c cfg.Settings, store *storage.Store, mw *metrics.MetricsWrapper) (*ml.Registry, *ml.Runtime, error) {
	descriptors, err := ml.DescriptorsFromSettings(c)
	if err != nil {
		return nil, nil, err
	}

	// Nil interfaces, not typed nils, when the catalog is disabled.
	var (
		artifacts ml.ArtifactRecorder
		loads     ml.LoadRecorder
	)
	if store != nil {
		artifacts, loads = store, store
	}

	runtime := ml.NewRuntime(c.ONNXRuntimeLib, c.Device)
	registry := ml.NewRegistry(ml.RegistryConfig{
		Descriptors: descriptors,
		Source:      ml.NewSource(c.DownloadTimeout, artifacts, mw),
		Loader:      ml.NewCheckpointLoader(runtime),
		Catalog:     loads,
		Metrics:     mw,
		StrictLoad:  c.StrictLoad,
	})

	for _, name := range ml.SortedNames(descriptors) {
		d := descriptors[name]
		log.Info().
			Str("model", name).
			Str("architecture", d.Architecture.Tag).
			Str("format", string(d.Format)).
			Str("path", d.Path).
			Bool("remote", d.URL != "").
			Msg("Model configured")
	}
	return registry, runtime, nil
}

// warmup loads every model before serving. Failures are retried on the
// first request for that model.
func warmup(ctx context.Context, registry *ml.Registry) {
	start := time.Now()
	failures := registry.Warmup(ctx)
	for name, err := range failures {
		log.Warn().Err(err).Str("model", name).Msg("Warmup load failed")
	}
	log.Info().
		Int("failed", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Warmup finished")
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// waitForShutdown waits for shutdown signals and drains in-flight requests
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, server *api.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown timeout, forcing exit")
	}
}
