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
	"github.com/02loveslollipop/Kawa-river-viewer/internal/service"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/source"
	"github.com/02loveslollipop/Kawa-river-viewer/services/api/config"
	httpserver "github.com/02loveslollipop/Kawa-river-viewer/services/api/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := observability.NewLogger(cfg.Log)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg.Store.Logger = logger
	store, err := db.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("db connection error: %v", err)
	}
	defer store.Close()

	if err := db.Prepare(ctx, store, logger); err != nil {
		log.Fatalf("db schema error: %v", err)
	}

	src, err := source.OpenWithPrefix(ctx, cfg.DataDir, cfg.DataPrefix)
	if err != nil {
		log.Fatalf("source error: %v", err)
	}
	defer src.Close()

	var downloader service.Downloader
	if cfg.Fetch.URL != "" {
		downloader = fetch.Job{Client: fetch.NewClient(cfg.Fetch, logger), Sink: src, Clock: clock}
	}

	pipeline := ingest.New(store, src, logger, metrics, ingest.Config{Clock: clock})
	svc, err := service.New(store, pipeline, downloader, service.Config{
		CacheTTL:     cfg.CacheTTL,
		CacheSize:    cfg.CacheSize,
		DefaultYears: cfg.DefaultYears,
	}, logger, metrics, clock)
	if err != nil {
		log.Fatalf("service error: %v", err)
	}

	if cfg.SyncOnStart {
		go func() {
			report, err := svc.Sync(ctx)
			if err != nil {
				logger.Error("startup sync failed", "error", err)
				return
			}
			logger.Info("startup sync finished", "inserted", report.Ingest.Inserted, "rivers", len(report.Ingest.Rivers))
		}()
	}

	srv := httpserver.New(cfg, svc, logger)
	logger.Info("REST API listening", "addr", cfg.ListenAddr())

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
