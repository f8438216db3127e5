package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unipass/backend/internal/app"
	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/generator"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/service"
	"github.com/unipass/backend/internal/socialgraph"
)

func main() {
	var (
		datasetPath = flag.String("dataset", "./seed-data/campus.yaml", "dataset file written by datagen (YAML or JSON)")
		workers     = flag.Int("workers", 4, "number of concurrent workers for ingestion")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging).With("component", "ingest")

	dataset, err := generator.ReadDataset(*datasetPath)
	if err != nil {
		logger.Error("failed to load dataset", "error", err, "path", *datasetPath)
		os.Exit(1)
	}
	if len(dataset.Profiles) == 0 {
		logger.Error("dataset has no profiles", "path", *datasetPath)
		os.Exit(1)
	}
	if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("ingesting into the in-memory store; data is discarded on exit")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := app.OpenBackend(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()

	graph := socialgraph.New(backend.Store, app.RetryPolicy(cfg.Retry), socialgraph.WithLogger(logger))
	ingestor := service.NewBulkIngestor(service.NewSeeder(graph), *workers)

	start := time.Now()
	logger.Info("ingesting profiles", "count", len(dataset.Profiles), "workers", *workers)
	if err := ingestor.IngestProfiles(ctx, dataset.Profiles); err != nil {
		logger.Error("profile ingestion failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ingesting meetups", "count", len(dataset.Meetups))
	if err := ingestor.IngestMeetups(ctx, dataset.Meetups); err != nil {
		logger.Error("meetup ingestion failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ingestion complete", "duration", time.Since(start).String(), "profiles", len(dataset.Profiles), "meetups", len(dataset.Meetups))
}
