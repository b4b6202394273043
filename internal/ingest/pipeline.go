// Package ingest loads daily river data files into the observation store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/db"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/models"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/source"
)

// Config tunes a Pipeline.
type Config struct {
	// DryRun parses and counts but never writes to the store.
	DryRun bool
	Clock  clockwork.Clock
}

// RunReport summarises one Run.
type RunReport struct {
	RunID          string        `json:"run_id"`
	Watermark      string        `json:"watermark"`
	DryRun         bool          `json:"dry_run,omitempty"`
	FilesSeen      int           `json:"files_seen"`
	FilesProcessed int           `json:"files_processed"`
	FilesSkipped   int           `json:"files_skipped"`
	FilesRejected  int           `json:"files_rejected"`
	DetailsSkipped int           `json:"details_skipped"`
	Parsed         int           `json:"parsed"`
	Inserted       int           `json:"inserted"`
	Duplicates     int           `json:"duplicates"`
	InsertErrors   int           `json:"insert_errors"`
	Rivers         []string      `json:"rivers"`
	Duration       time.Duration `json:"duration_ns"`
}

// Pipeline reads a Source and writes into a Store, skipping every file whose
// date is not after the store's current maximum date.
type Pipeline struct {
	store   db.Store
	source  source.Source
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	dryRun  bool

	mu     sync.RWMutex
	rivers []string
}

// New creates a Pipeline.
func New(store db.Store, src source.Source, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Pipeline {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		store:   store,
		source:  src,
		logger:  observability.Component(logger, "ingest"),
		metrics: metrics,
		clock:   clock,
		dryRun:  cfg.DryRun,
	}
}

// Rivers returns the river set seen at the end of the last run.
func (p *Pipeline) Rivers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.rivers))
	copy(out, p.rivers)
	return out
}

// Run performs one ingestion pass. Only a failure to read the high-water
// mark or to list the source aborts the run; per-file and per-detail
// problems are logged, counted and skipped.
func (p *Pipeline) Run(ctx context.Context) (RunReport, error) {
	start := p.clock.Now()
	report := RunReport{RunID: uuid.NewString(), DryRun: p.dryRun}
	logger := p.logger.With("run_id", report.RunID)

	mark, err := p.store.MaxDate(ctx)
	if err != nil {
		return report, fmt.Errorf("read high-water mark: %w", err)
	}
	report.Watermark = mark

	files, err := p.source.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list source files: %w", err)
	}
	logger.Info("ingestion run started", "watermark", mark, "files", len(files), "dry_run", p.dryRun)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.FilesSeen++

		if f.DateErr != nil {
			logger.Error("rejecting file with unparseable date", "file", f.Key, "error", f.DateErr)
			report.FilesRejected++
			p.metrics.FilesTotal.WithLabelValues("rejected").Inc()
			continue
		}
		if mark != "" && f.Date.String() <= mark {
			report.FilesSkipped++
			p.metrics.FilesTotal.WithLabelValues("skipped").Inc()
			continue
		}

		if err := p.processFile(ctx, logger, f, &report); err != nil {
			logger.Error("rejecting file", "file", f.Key, "error", err)
			report.FilesRejected++
			p.metrics.FilesTotal.WithLabelValues("rejected").Inc()
			continue
		}
		report.FilesProcessed++
		p.metrics.FilesTotal.WithLabelValues("processed").Inc()
	}

	p.refreshRivers(ctx, logger)
	report.Rivers = p.Rivers()

	report.Duration = p.clock.Since(start)
	p.metrics.RunDuration.Observe(report.Duration.Seconds())
	p.metrics.LastRunTimestamp.Set(float64(p.clock.Now().Unix()))

	logger.Info("ingestion run finished",
		"files_seen", report.FilesSeen,
		"files_processed", report.FilesProcessed,
		"files_skipped", report.FilesSkipped,
		"files_rejected", report.FilesRejected,
		"details_skipped", report.DetailsSkipped,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"insert_errors", report.InsertErrors,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *Pipeline) processFile(ctx context.Context, logger *slog.Logger, f source.File, report *RunReport) error {
	data, err := p.source.Read(ctx, f.Key)
	if err != nil {
		return err
	}
	env, err := models.Decode(data)
	if err != nil {
		return err
	}
	systems, err := env.RiverSystems()
	if err != nil {
		return err
	}

	batch, skipped := BuildObservations(f.Date, systems)
	for _, s := range skipped {
		attrs := []any{
			"file", f.Key,
			"river", s.Detail.River,
			"station", s.Detail.Station,
			"level", s.Detail.Level.String(),
			"flow", s.Detail.Flow.String(),
			"error", s.Err,
		}
		if errors.Is(s.Err, ErrAbsentReading) {
			logger.Warn("skipping detail without reading", attrs...)
			p.metrics.DetailsSkipped.WithLabelValues("absent").Inc()
		} else {
			logger.Error("skipping unparseable detail", attrs...)
			p.metrics.DetailsSkipped.WithLabelValues("invalid").Inc()
		}
	}
	report.DetailsSkipped += len(skipped)
	report.Parsed += len(batch)

	if p.dryRun || len(batch) == 0 {
		return nil
	}

	result, err := p.store.InsertBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	for _, rowErr := range result.Failed {
		logger.Error("failed to insert observation", "file", f.Key, "error", rowErr)
	}
	report.Inserted += result.Inserted
	report.Duplicates += result.Duplicates
	report.InsertErrors += len(result.Failed)
	p.metrics.ObservationsWritten.WithLabelValues("inserted").Add(float64(result.Inserted))
	p.metrics.ObservationsWritten.WithLabelValues("duplicate").Add(float64(result.Duplicates))
	p.metrics.ObservationsWritten.WithLabelValues("failed").Add(float64(len(result.Failed)))

	logger.Debug("file ingested", "file", f.Key,
		"inserted", result.Inserted, "duplicates", result.Duplicates, "failed", len(result.Failed))
	return nil
}

// refreshRivers re-reads the distinct river set. On error the previous set
// is kept.
func (p *Pipeline) refreshRivers(ctx context.Context, logger *slog.Logger) {
	rivers, err := p.store.Rivers(ctx)
	if err != nil {
		logger.Error("failed to refresh river set", "error", err)
		return
	}
	p.mu.Lock()
	p.rivers = rivers
	p.mu.Unlock()
}
