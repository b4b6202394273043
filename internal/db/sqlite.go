package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS river_data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    river_name TEXT NOT NULL,
    station_name TEXT NOT NULL,
    date TEXT NOT NULL,
    date_int INTEGER,
    z_value REAL NOT NULL,
    q_value REAL NOT NULL,
    UNIQUE(river_name, station_name, date)
)`

var sqliteIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_river ON river_data(river_name)`,
	`CREATE INDEX IF NOT EXISTS idx_station ON river_data(station_name)`,
	`CREATE INDEX IF NOT EXISTS idx_date ON river_data(date)`,
	`CREATE INDEX IF NOT EXISTS idx_date_int ON river_data(date_int)`,
	`CREATE INDEX IF NOT EXISTS idx_river_station_date ON river_data(river_name, station_name, date)`,
}

const sqliteInsertSQL = `
INSERT INTO river_data (river_name, station_name, date, date_int, z_value, q_value)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (river_name, station_name, date) DO NOTHING`

// SQLiteStore is the embedded single-file backend.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database file at path. Writers
// from other processes are serialised through busy_timeout and WAL mode.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// DB exposes the underlying sql.DB for tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("create river_data table: %w", err)
	}

	hasDateInt, err := s.hasColumn(ctx, "date_int")
	if err != nil {
		return err
	}
	if !hasDateInt {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE river_data ADD COLUMN date_int INTEGER`); err != nil {
			return fmt.Errorf("add date_int column: %w", err)
		}
		s.logger.Info("added date_int column to legacy river_data table", "path", s.path)
	}

	for _, stmt := range sqliteIndexSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) hasColumn(ctx context.Context, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(river_data)`)
	if err != nil {
		return false, fmt.Errorf("table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *SQLiteStore) MigrateLegacy(ctx context.Context) (MigrationReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(date, '') FROM river_data WHERE date_int IS NULL OR date_int = 0`)
	if err != nil {
		return MigrationReport{}, fmt.Errorf("select legacy rows: %w", err)
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.date); err != nil {
			_ = rows.Close()
			return MigrationReport{}, fmt.Errorf("scan legacy row: %w", err)
		}
		legacy = append(legacy, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return MigrationReport{}, err
	}
	_ = rows.Close()

	return backfillDateInts(ctx, legacy, s.logger, func(ctx context.Context, id int64, dateInt int) error {
		_, err := s.db.ExecContext(ctx, `UPDATE river_data SET date_int = ? WHERE id = ?`, dateInt, id)
		return err
	}), nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteInsert(ctx context.Context, exec sqlExecer, obs observation.Observation) (bool, error) {
	if err := obs.Validate(); err != nil {
		return false, err
	}
	res, err := exec.ExecContext(ctx, sqliteInsertSQL,
		obs.River, obs.Station, obs.Date.String(), obs.DateInt(), obs.WaterLevel, obs.FlowRate)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, obs observation.Observation) (bool, error) {
	return sqliteInsert(ctx, s.db, obs)
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, batch []observation.Observation) (result BatchResult, retErr error) {
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, obs := range batch {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT obs_row`); err != nil {
			return BatchResult{}, fmt.Errorf("savepoint: %w", err)
		}
		inserted, err := sqliteInsert(ctx, tx, obs)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO obs_row`); rbErr != nil {
				return BatchResult{}, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			result.Failed = append(result.Failed, RowError{Observation: obs, Err: err})
		} else if inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
		if _, err := tx.ExecContext(ctx, `RELEASE obs_row`); err != nil {
			return BatchResult{}, fmt.Errorf("release savepoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) MaxDate(ctx context.Context) (string, error) {
	var max sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(date) FROM river_data`).Scan(&max); err != nil {
		return "", fmt.Errorf("max date: %w", err)
	}
	return max.String, nil
}

func (s *SQLiteStore) Rivers(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT DISTINCT river_name FROM river_data WHERE river_name IS NOT NULL ORDER BY river_name`)
}

func (s *SQLiteStore) Stations(ctx context.Context, river string) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT DISTINCT station_name FROM river_data WHERE river_name = ? AND station_name IS NOT NULL ORDER BY station_name`, river)
}

func (s *SQLiteStore) Series(ctx context.Context, river, station string, r observation.Range) ([]observation.SeriesPoint, error) {
	query := `SELECT date, z_value, q_value FROM river_data WHERE river_name = ? AND station_name = ? AND z_value IS NOT NULL AND q_value IS NOT NULL`
	args := []any{river, station}
	if r.Start != nil {
		query += ` AND date_int >= ?`
		args = append(args, observation.DateInt(*r.Start))
	}
	if r.End != nil {
		query += ` AND date_int <= ?`
		args = append(args, observation.DateInt(*r.End))
	}
	query += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer func() { _ = rows.Close() }()

	series := make([]observation.SeriesPoint, 0)
	for rows.Next() {
		var (
			date        string
			level, flow float64
		)
		if err := rows.Scan(&date, &level, &flow); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		if p, ok := scanPoint(s.logger, river, station, date, level, flow); ok {
			series = append(series, p)
		}
	}
	return series, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM river_data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
