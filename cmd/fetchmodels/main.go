package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"cvd-risk/internal/cfg"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// discardMetrics implements ml.MetricsInterface and ml.DownloadMetrics for
// one-shot runs
type discardMetrics struct{}

func (discardMetrics) ModelLoadObserve(string, float64, int)   {}
func (discardMetrics) ModelLoadFailureInc(string)              {}
func (discardMetrics) InferenceLatencyObserve(string, float64) {}
func (discardMetrics) DownloadBytesAdd(string, int64)          {}

func main() {
	var (
		models   = flag.String("models", "", "Comma-separated models to fetch (default: all)")
		load     = flag.Bool("load", false, "Also load each model and print its load report")
		history  = flag.Duration("history", 0, "Print catalog records newer than this (requires DATA_PATH)")
		logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	descriptors, err := ml.DescriptorsFromSettings(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid model configuration")
	}
	names := ml.SortedNames(descriptors)
	if *models != "" {
		names = parseModels(*models)
	}

	var store *storage.Store
	var (
		artifacts ml.ArtifactRecorder
		loads     ml.LoadRecorder
	)
	if config.DataPath != "" {
		store, err = storage.New(config.DataPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open catalog")
		}
		defer store.Close()
		artifacts, loads = store, store
	}

	runtime := ml.NewRuntime(config.ONNXRuntimeLib, config.Device)
	defer runtime.Close()
	registry := ml.NewRegistry(ml.RegistryConfig{
		Descriptors: descriptors,
		Source:      ml.NewSource(config.DownloadTimeout, artifacts, discardMetrics{}),
		Loader:      ml.NewCheckpointLoader(runtime),
		Catalog:     loads,
		Metrics:     discardMetrics{},
		StrictLoad:  config.StrictLoad,
	})
	defer registry.Close()

	fmt.Println("=== Model Fetch ===")
	fmt.Printf("Model Dir: %s\n", config.ModelDir)
	fmt.Printf("Repository: %s\n", config.HFRepo)
	fmt.Println("===================")

	ctx := context.Background()
	failed := 0
	for _, name := range names {
		path, err := registry.EnsureModelFile(ctx, name)
		if err != nil {
			failed++
			fmt.Printf("%-13s FAILED  %v\n", name, err)
			continue
		}
		fmt.Printf("%-13s OK      %s\n", name, path)

		if *load {
			m, err := registry.Get(ctx, name)
			if err != nil {
				failed++
				fmt.Printf("%-13s LOAD    %v\n", "", err)
				continue
			}
			printReport(m.Report)
		}
	}

	if store != nil && *history > 0 {
		printHistory(store, names, *history)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func printReport(rep ml.LoadReport) {
	status := "complete"
	if rep.Degraded() {
		status = "degraded"
	}
	fmt.Printf("%-13s LOADED  format=%s device=%s applied=%d status=%s\n", "", rep.Format, rep.Device, len(rep.Applied), status)
	for _, name := range rep.Missing {
		fmt.Printf("%-13s   missing %s\n", "", name)
	}
	for _, mm := range rep.Mismatched {
		fmt.Printf("%-13s   mismatched %s\n", "", mm)
	}
	for _, name := range rep.Unexpected {
		fmt.Printf("%-13s   unexpected %s\n", "", name)
	}
}

func printHistory(store *storage.Store, names []string, window time.Duration) {
	end := time.Now()
	start := end.Add(-window)

	fmt.Println()
	fmt.Println("=== Catalog ===")
	for _, name := range names {
		records, err := store.GetArtifacts(name, start, end)
		if err != nil {
			log.Error().Err(err).Str("model", name).Msg("Failed to read artifact history")
			continue
		}
		for _, rec := range records {
			fmt.Printf("%s  %-13s %-8s %10d  %s\n",
				rec.AcquiredAt.Format(time.RFC3339), rec.Model, rec.Source, rec.Size, shortDigest(rec.SHA256))
		}
		loadRecords, err := store.GetLoads(name, start, end)
		if err != nil {
			log.Error().Err(err).Str("model", name).Msg("Failed to read load history")
			continue
		}
		for _, rec := range loadRecords {
			fmt.Printf("%s  %-13s load     applied=%d missing=%d mismatched=%d %.2fs\n",
				rec.LoadedAt.Format(time.RFC3339), rec.Model, rec.Applied, len(rec.Missing), len(rec.Mismatched), rec.Duration)
		}
	}
}

// parseModels parses comma-separated model names
func parseModels(models string) []string {
	var result []string
	for _, s := range strings.Split(models, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
