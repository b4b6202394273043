package db

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS river_data (
    id BIGSERIAL PRIMARY KEY,
    river_name TEXT NOT NULL,
    station_name TEXT NOT NULL,
    date TEXT NOT NULL,
    date_int INTEGER,
    z_value DOUBLE PRECISION NOT NULL,
    q_value DOUBLE PRECISION NOT NULL,
    UNIQUE (river_name, station_name, date)
)`

var postgresIndexSQL = []string{
	`ALTER TABLE river_data ADD COLUMN IF NOT EXISTS date_int INTEGER`,
	`CREATE INDEX IF NOT EXISTS idx_river ON river_data (river_name)`,
	`CREATE INDEX IF NOT EXISTS idx_station ON river_data (station_name)`,
	`CREATE INDEX IF NOT EXISTS idx_date ON river_data (date)`,
	`CREATE INDEX IF NOT EXISTS idx_date_int ON river_data (date_int)`,
	`CREATE INDEX IF NOT EXISTS idx_river_station_date ON river_data (river_name, station_name, date)`,
}

const postgresInsertSQL = `
INSERT INTO river_data (river_name, station_name, date, date_int, z_value, q_value)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (river_name, station_name, date) DO NOTHING`

// PostgresStore is the server-backed implementation on a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres creates a pool for databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres store requires a DATABASE_URL")
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for tests.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("create river_data table: %w", err)
	}
	for _, stmt := range postgresIndexSQL {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) MigrateLegacy(ctx context.Context) (MigrationReport, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, COALESCE(date, '') FROM river_data WHERE date_int IS NULL OR date_int = 0`)
	if err != nil {
		return MigrationReport{}, fmt.Errorf("select legacy rows: %w", err)
	}
	legacy, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (legacyRow, error) {
		var r legacyRow
		err := row.Scan(&r.id, &r.date)
		return r, err
	})
	if err != nil {
		return MigrationReport{}, fmt.Errorf("scan legacy rows: %w", err)
	}

	return backfillDateInts(ctx, legacy, s.logger, func(ctx context.Context, id int64, dateInt int) error {
		_, err := s.pool.Exec(ctx, `UPDATE river_data SET date_int = $1 WHERE id = $2`, dateInt, id)
		return err
	}), nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func postgresInsert(ctx context.Context, exec pgExecer, obs observation.Observation) (bool, error) {
	if err := obs.Validate(); err != nil {
		return false, err
	}
	tag, err := exec.Exec(ctx, postgresInsertSQL,
		obs.River, obs.Station, obs.Date.String(), obs.DateInt(), obs.WaterLevel, obs.FlowRate)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, obs observation.Observation) (bool, error) {
	return postgresInsert(ctx, s.pool, obs)
}

// InsertBatch runs every row in a nested pgx transaction (a savepoint) so an
// error on one row does not abort the enclosing file transaction.
func (s *PostgresStore) InsertBatch(ctx context.Context, batch []observation.Observation) (result BatchResult, retErr error) {
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, obs := range batch {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("savepoint: %w", err)
		}
		inserted, err := postgresInsert(ctx, sp, obs)
		if err != nil {
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return BatchResult{}, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			result.Failed = append(result.Failed, RowError{Observation: obs, Err: err})
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return BatchResult{}, fmt.Errorf("release savepoint: %w", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) MaxDate(ctx context.Context) (string, error) {
	var max *string
	if err := s.pool.QueryRow(ctx, `SELECT MAX(date COLLATE "C") FROM river_data`).Scan(&max); err != nil {
		return "", fmt.Errorf("max date: %w", err)
	}
	if max == nil {
		return "", nil
	}
	return *max, nil
}

func (s *PostgresStore) Rivers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT river_name FROM river_data WHERE river_name IS NOT NULL ORDER BY river_name COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (s *PostgresStore) Stations(ctx context.Context, river string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT station_name FROM river_data WHERE river_name = $1 AND station_name IS NOT NULL ORDER BY station_name COLLATE "C"`, river)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make([]string, 0)
	}
	return out, nil
}

func (s *PostgresStore) Series(ctx context.Context, river, station string, r observation.Range) ([]observation.SeriesPoint, error) {
	query := `SELECT date, z_value, q_value FROM river_data WHERE river_name = $1 AND station_name = $2 AND z_value IS NOT NULL AND q_value IS NOT NULL`
	args := []any{river, station}
	argPos := 3
	if r.Start != nil {
		query += " AND date_int >= $" + strconv.Itoa(argPos)
		args = append(args, observation.DateInt(*r.Start))
		argPos++
	}
	if r.End != nil {
		query += " AND date_int <= $" + strconv.Itoa(argPos)
		args = append(args, observation.DateInt(*r.End))
	}
	query += ` ORDER BY date COLLATE "C"`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM river_data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
