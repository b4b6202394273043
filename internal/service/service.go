// Package service is the query facade used by the HTTP API: catalog and
// series reads, seasonal analysis and on-demand sync, with a cache owned by
// each Service instance.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/analysis"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/cache"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/db"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/fetch"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/ingest"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// ErrSyncInProgress is returned by Sync while another sync is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Ingester runs one ingestion pass.
type Ingester interface {
	Run(ctx context.Context) (ingest.RunReport, error)
}

// Downloader fetches missing daily files before ingestion.
type Downloader interface {
	Download(ctx context.Context) (fetch.SyncResult, error)
}

// Config holds the tunables of a Service.
type Config struct {
	CacheTTL     time.Duration
	CacheSize    int
	DefaultYears int
}

// SyncReport is the outcome of Sync.
type SyncReport struct {
	Download *fetch.SyncResult `json:"download,omitempty"`
	Ingest   ingest.RunReport  `json:"ingest"`
}

// Service answers queries over a Store.
type Service struct {
	store      db.Store
	ingester   Ingester
	downloader Downloader
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics

	series   *cache.TTL[[]observation.SeriesPoint]
	analyses *cache.TTL[analysis.Result]
	syncMu   sync.Mutex
}

// New creates a Service. downloader may be nil.
func New(store db.Store, ingester Ingester, downloader Downloader, cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) (*Service, error) {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.DefaultYears <= 0 {
		cfg.DefaultYears = 3
	}

	series, err := cache.New[[]observation.SeriesPoint](cfg.CacheSize, cfg.CacheTTL, clock)
	if err != nil {
		return nil, fmt.Errorf("series cache: %w", err)
	}
	analyses, err := cache.New[analysis.Result](cfg.CacheSize, cfg.CacheTTL, clock)
	if err != nil {
		return nil, fmt.Errorf("analysis cache: %w", err)
	}

	return &Service{
		store:      store,
		ingester:   ingester,
		downloader: downloader,
		cfg:        cfg,
		logger:     observability.Component(logger, "service"),
		metrics:    metrics,
		series:     series,
		analyses:   analyses,
	}, nil
}

// DefaultYears is the analysis span used when callers do not pass one.
func (s *Service) DefaultYears() int { return s.cfg.DefaultYears }

func (s *Service) Rivers(ctx context.Context) ([]string, error) {
	return s.store.Rivers(ctx)
}

func (s *Service) Stations(ctx context.Context, river string) ([]string, error) {
	return s.store.Stations(ctx, river)
}

// Series returns the station series within r. An inverted range is an
// error wrapping observation.ErrInvalidRange.
func (s *Service) Series(ctx context.Context, river, station string, r observation.Range) ([]observation.SeriesPoint, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%q|%q|%s", river, station, r.Key())
	if cached, ok := s.series.Get(key); ok {
		s.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	s.metrics.CacheLookups.WithLabelValues("miss").Inc()

	points, err := s.store.Series(ctx, river, station, r)
	if err != nil {
		return nil, err
	}
	s.series.Put(key, points)
	return points, nil
}

// Seasonal runs the seasonal analysis. years == 0 selects the configured
// default; negative values fail with analysis.ErrInvalidYears.
func (s *Service) Seasonal(ctx context.Context, river, station string, years int) (analysis.Result, error) {
	if years == 0 {
		years = s.cfg.DefaultYears
	}
	key := fmt.Sprintf("%q|%q|%d", river, station, years)
	if cached, ok := s.analyses.Get(key); ok {
		s.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	s.metrics.CacheLookups.WithLabelValues("miss").Inc()

	res, err := analysis.Analyze(ctx, s.store, river, station, years)
	if err != nil {
		s.metrics.AnalysisFailures.WithLabelValues(failureReason(err)).Inc()
		return analysis.Result{}, err
	}
	s.analyses.Put(key, res)
	return res, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, analysis.ErrNoData):
		return "no_data"
	case errors.Is(err, analysis.ErrNoValidData):
		return "no_valid_data"
	case errors.Is(err, analysis.ErrInvalidYears):
		return "invalid_years"
	default:
		return "error"
	}
}

// Sync downloads missing days when a downloader is configured, ingests and
// then clears every cached series and analysis.
func (s *Service) Sync(ctx context.Context) (SyncReport, error) {
	if !s.syncMu.TryLock() {
		return SyncReport{}, ErrSyncInProgress
	}
	defer s.syncMu.Unlock()

	var report SyncReport
	if s.downloader != nil {
		dl, err := s.downloader.Download(ctx)
		if err != nil {
			return report, fmt.Errorf("download: %w", err)
		}
		report.Download = &dl
	}

	run, err := s.ingester.Run(ctx)
	report.Ingest = run
	s.Invalidate()
	if err != nil {
		return report, fmt.Errorf("ingest: %w", err)
	}
	return report, nil
}

// Invalidate drops all cached results.
func (s *Service) Invalidate() {
	s.series.Purge()
	s.analyses.Purge()
	s.logger.Debug("query cache purged")
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
