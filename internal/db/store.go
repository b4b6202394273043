// Package db persists observations and answers the read-only catalog and
// series queries. Two backends share one contract: an embedded SQLite file
// (default) and PostgreSQL through a pgx pool.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// Driver identifies a concrete store implementation.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DefaultSQLitePath matches the file name used by earlier deployments.
const DefaultSQLitePath = "river_data.db"

// ErrUnknownDriver is returned by Open for unsupported driver names.
var ErrUnknownDriver = errors.New("unknown store driver")

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Store is the observation table plus its derived catalog views.
type Store interface {
	// EnsureSchema creates the table, the date_int column and all indices if absent.
	EnsureSchema(ctx context.Context) error
	// MigrateLegacy backfills date_int for rows where it is NULL or zero.
	MigrateLegacy(ctx context.Context) (MigrationReport, error)
	// InsertIfAbsent writes obs unless (river, station, date) already exists.
	InsertIfAbsent(ctx context.Context, obs observation.Observation) (bool, error)
	// InsertBatch writes all rows of one source file in one transaction.
	InsertBatch(ctx context.Context, batch []observation.Observation) (BatchResult, error)
	// MaxDate returns the greatest stored date string, or "" when empty.
	MaxDate(ctx context.Context) (string, error)

	Rivers(ctx context.Context) ([]string, error)
	Stations(ctx context.Context, river string) ([]string, error)
	Series(ctx context.Context, river, station string, r observation.Range) ([]observation.SeriesPoint, error)
	Count(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// MigrationReport summarises a legacy date_int backfill.
type MigrationReport struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// RowError records a single row that could not be written.
type RowError struct {
	Observation observation.Observation
	Err         error
}

func (e RowError) Error() string {
	return fmt.Sprintf("insert %s/%s/%s: %v", e.Observation.River, e.Observation.Station, e.Observation.Date, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// BatchResult reports the outcome of InsertBatch.
type BatchResult struct {
	Inserted   int
	Duplicates int
	Failed     []RowError
}

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	DSN    string
	Logger *slog.Logger
}

// ConfigFromEnv reads STORE_DRIVER and DATABASE_URL. SQLite falls back to
// DefaultSQLitePath; PostgreSQL needs an explicit URL.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Driver: Driver(strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))),
		DSN:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	switch cfg.Driver {
	case "", DriverSQLite:
		cfg.Driver = DriverSQLite
		if cfg.DSN == "" {
			cfg.DSN = DefaultSQLitePath
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return cfg, errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return cfg, fmt.Errorf("invalid STORE_DRIVER: %w: %s", ErrUnknownDriver, cfg.Driver)
	}
	return cfg, nil
}

// Open connects to the configured backend. It does not create the schema;
// callers run EnsureSchema and MigrateLegacy on start.
func Open(ctx context.Context, cfg Config) (Store, error) {
	logger := observability.Component(cfg.Logger, "store")

	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case "", DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}

// Prepare runs EnsureSchema followed by MigrateLegacy.
func Prepare(ctx context.Context, store Store, logger *slog.Logger) error {
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	report, err := store.MigrateLegacy(ctx)
	if err != nil {
		return fmt.Errorf("migrate legacy rows: %w", err)
	}
	if report.Scanned > 0 && logger != nil {
		logger.Info("legacy date_int migration finished",
			"scanned", report.Scanned, "updated", report.Updated, "skipped", report.Skipped)
	}
	return nil
}

type legacyRow struct {
	id   int64
	date string
}

// backfillDateInts applies update to every legacy row whose date parses.
// A failing row is logged and skipped.
func backfillDateInts(ctx context.Context, rows []legacyRow, logger *slog.Logger, update func(ctx context.Context, id int64, dateInt int) error) MigrationReport {
	report := MigrationReport{Scanned: len(rows)}
	for _, row := range rows {
		d, err := observation.ParseDate(row.date)
		if err != nil {
			logger.Warn("skipping legacy row with unparseable date", "id", row.id, "date", row.date, "error", err)
			report.Skipped++
			continue
		}
		if err := update(ctx, row.id, observation.DateInt(d)); err != nil {
			logger.Warn("failed to backfill date_int", "id", row.id, "date", row.date, "error", err)
			report.Skipped++
			continue
		}
		report.Updated++
	}
	return report
}

func scanPoint(logger *slog.Logger, river, station, date string, level, flow float64) (observation.SeriesPoint, bool) {
	d, err := observation.ParseDate(date)
	if err != nil {
		logger.Warn("skipping row with unparseable date", "river", river, "station", station, "date", date)
		return observation.SeriesPoint{}, false
	}
	return observation.SeriesPoint{Date: d, WaterLevel: level, FlowRate: flow}, true
}
