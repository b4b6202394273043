package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/db"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/fetch"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/ingest"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/source"
	"github.com/02loveslollipop/Kawa-river-viewer/services/watcher/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("watcher failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Log)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := source.OpenWithPrefix(ctx, cfg.DataDir, cfg.DataPrefix)
	if err != nil {
		return err
	}
	defer src.Close()

	if cfg.FetchEnabled() {
		job := fetch.Job{Client: fetch.NewClient(cfg.Fetch, logger), Sink: src, Clock: clock}
		result, err := job.Download(ctx)
		if err != nil {
			return err
		}
		logger.Info("fetch finished", "success", result.Success, "fail", result.Fail)
	} else {
		logger.Debug("FETCH_URL not set, skipping download")
	}

	cfg.Store.Logger = logger
	store, err := db.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := db.Prepare(ctx, store, logger); err != nil {
		return err
	}

	pipeline := ingest.New(store, src, logger, metrics, ingest.Config{DryRun: cfg.DryRun, Clock: clock})
	report, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("watcher run complete", "run_id", report.RunID, "inserted", report.Inserted, "rivers", len(report.Rivers))
	return nil
}
