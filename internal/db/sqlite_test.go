package db

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "river_data.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func obs(river, station, date string, level, flow float64) observation.Observation {
	d, err := civil.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return observation.Observation{River: river, Station: station, Date: d, WaterLevel: level, FlowRate: flow}
}

func TestSQLiteEnsureSchemaIsIdempotent(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	for _, idx := range []string{"idx_river", "idx_station", "idx_date", "idx_date_int", "idx_river_station_date"} {
		var name string
		err := store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name = ?`, idx).Scan(&name)
		require.NoError(t, err, idx)
		assert.Equal(t, idx, name)
	}
}

// legacyRiverDataDDL is the table earlier deployments wrote into
// river_data.db, before the date_int column was introduced.
const legacyRiverDataDDL = `CREATE TABLE river_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	river_name TEXT,
	station_name TEXT,
	date TEXT,
	z_value REAL,
	q_value REAL,
	UNIQUE(river_name, station_name, date)
)`

func openLegacySQLite(t *testing.T, ddl string) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "river_data.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.DB().Exec(ddl)
	require.NoError(t, err)
	return store
}

func TestSQLiteEnsureSchemaAddsDateIntToLegacyTable(t *testing.T) {
	ctx := context.Background()
	store := openLegacySQLite(t, legacyRiverDataDDL)
	_, err := store.DB().Exec(`INSERT INTO river_data (river_name, station_name, date, z_value, q_value) VALUES ('A', 'S1', '2023-05-01', 1.0, 2.0)`)
	require.NoError(t, err)

	require.NoError(t, Prepare(ctx, store, slog.Default()))

	var dateInt int
	require.NoError(t, store.DB().QueryRow(`SELECT date_int FROM river_data WHERE station_name = 'S1'`).Scan(&dateInt))
	assert.Equal(t, 20230501, dateInt)

	r, err := observation.ParseRange("2023-05-01", "2023-05-01")
	require.NoError(t, err)
	series, err := store.Series(ctx, "A", "S1", r)
	require.NoError(t, err)
	require.Len(t, series, 1, "range queries see backfilled rows")
	assert.Equal(t, 2.0, series[0].FlowRate)
}

func TestSQLiteReadsExistingRiverDataFile(t *testing.T) {
	ctx := context.Background()
	store := openLegacySQLite(t, strings.Replace(legacyRiverDataDDL, "date TEXT,", "date TEXT,\n\tdate_int INTEGER,", 1))
	_, err := store.DB().Exec(`INSERT INTO river_data (river_name, station_name, date, date_int, z_value, q_value) VALUES
		('Beiyun', 'Tongxian', '2023-12-30', 20231230, 1.1, 11),
		('Beiyun', 'Tongxian', '2023-12-31', NULL, 1.2, 12),
		('Chaobai', 'Suzhuang', '2023-12-31', 20231231, 2.0, NULL),
		(NULL, 'orphan', '2023-12-31', 20231231, 1, 1)`)
	require.NoError(t, err)

	require.NoError(t, Prepare(ctx, store, slog.Default()))

	rivers, err := store.Rivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beiyun", "Chaobai"}, rivers)

	max, err := store.MaxDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2023-12-31", max)

	series, err := store.Series(ctx, "Beiyun", "Tongxian", observation.Range{})
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 1.2, series[1].WaterLevel)

	series, err = store.Series(ctx, "Chaobai", "Suzhuang", observation.Range{})
	require.NoError(t, err)
	assert.Empty(t, series, "rows with a NULL reading are not part of a series")

	// new imports land in the same table and respect its uniqueness
	inserted, err := store.InsertIfAbsent(ctx, obs("Beiyun", "Tongxian", "2023-12-31", 9, 9))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestSQLiteMigrateLegacySkipsUnparseableDates(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	_, err := store.DB().Exec(`INSERT INTO river_data (river_name, station_name, date, date_int, z_value, q_value) VALUES
		('A', 'S1', '2023-01-02', NULL, 1, 1),
		('A', 'S1', 'not-a-date', 0, 1, 1),
		('A', 'S1', '2023-01-04', 0, 1, 1),
		('A', 'S1', '2023-01-05', 20230105, 1, 1)`)
	require.NoError(t, err)

	report, err := store.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Skipped)

	var waterLevel float64
	var date string
	require.NoError(t, store.DB().QueryRow(`SELECT date, z_value FROM river_data WHERE date_int = 20230104`).Scan(&date, &waterLevel))
	assert.Equal(t, "2023-01-04", date)
	assert.Equal(t, 1.0, waterLevel)

	// the second pass only sees the row that cannot be fixed
	report, err = store.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationReport{Scanned: 1, Skipped: 1}, report)
}

func TestSQLiteInsertIfAbsent(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	inserted, err := store.InsertIfAbsent(ctx, obs("A", "S1", "2024-01-01", 1.5, 10))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertIfAbsent(ctx, obs("A", "S1", "2024-01-01", 9.9, 99))
	require.NoError(t, err, "duplicates are not errors")
	assert.False(t, inserted)

	series, err := store.Series(ctx, "A", "S1", observation.Range{})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 1.5, series[0].WaterLevel, "first write wins")

	_, err = store.InsertIfAbsent(ctx, observation.Observation{River: "", Station: "S1", Date: civil.Date{Year: 2024, Month: 1, Day: 1}})
	assert.ErrorIs(t, err, observation.ErrInvalidObservation)
}

func TestSQLiteInsertBatchIsolatesFailingRows(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	_, err := store.InsertIfAbsent(ctx, obs("A", "S1", "2024-01-01", 1, 1))
	require.NoError(t, err)

	result, err := store.InsertBatch(ctx, []observation.Observation{
		obs("A", "S1", "2024-01-01", 1, 1), // duplicate
		obs("A", "S2", "2024-01-01", 2, 2),
		{River: "A", Station: "", Date: civil.Date{Year: 2024, Month: 1, Day: 1}}, // fails
		obs("B", "S1", "2024-01-01", 3, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Duplicates)
	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed[0], observation.ErrInvalidObservation)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSQLiteInsertBatchRollsBackFailedStatement(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	_, err := store.DB().Exec(`CREATE TRIGGER reject_negative_flow BEFORE INSERT ON river_data
		WHEN NEW.q_value < 0
		BEGIN SELECT RAISE(ABORT, 'negative flow'); END`)
	require.NoError(t, err)

	result, err := store.InsertBatch(ctx, []observation.Observation{
		obs("A", "S1", "2024-01-01", 1, 10),
		obs("A", "S2", "2024-01-01", 1, -5),
		obs("A", "S3", "2024-01-01", 1, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "S2", result.Failed[0].Observation.Station)
	assert.ErrorContains(t, result.Failed[0], "negative flow")

	stations, err := store.Stations(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S3"}, stations)
}

func TestSQLiteMaxDate(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	max, err := store.MaxDate(ctx)
	require.NoError(t, err)
	assert.Empty(t, max)

	_, err = store.InsertBatch(ctx, []observation.Observation{
		obs("A", "S1", "2023-12-31", 1, 1),
		obs("A", "S1", "2024-01-02", 1, 1),
		obs("B", "S9", "2024-01-01", 1, 1),
	})
	require.NoError(t, err)

	max, err = store.MaxDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", max)
}

func TestSQLiteCatalogQueries(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	_, err := store.InsertBatch(ctx, []observation.Observation{
		obs("Chaobai", "Suzhuang", "2024-01-01", 1, 1),
		obs("Beiyun", "Tongxian", "2024-01-01", 1, 1),
		obs("Beiyun", "Bei'guan", "2024-01-01", 1, 1),
		obs("Beiyun", "Tongxian", "2024-01-02", 1, 1),
	})
	require.NoError(t, err)

	rivers, err := store.Rivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beiyun", "Chaobai"}, rivers)

	stations, err := store.Stations(ctx, "Beiyun")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bei'guan", "Tongxian"}, stations)

	stations, err = store.Stations(ctx, "Unknown")
	require.NoError(t, err)
	assert.NotNil(t, stations)
	assert.Empty(t, stations)
}

func TestSQLiteSeriesOrderingAndRange(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	_, err := store.InsertBatch(ctx, []observation.Observation{
		obs("A", "S1", "2024-01-03", 3, 30),
		obs("A", "S1", "2024-01-01", 1, 10),
		obs("A", "S1", "2023-12-31", 0.5, 5),
		obs("A", "S1", "2024-01-02", 2, 20),
		obs("A", "S2", "2024-01-02", 7, 70),
	})
	require.NoError(t, err)

	series, err := store.Series(ctx, "A", "S1", observation.Range{})
	require.NoError(t, err)
	require.Len(t, series, 4)
	for i := 1; i < len(series); i++ {
		assert.False(t, series[i].Date.Before(series[i-1].Date), "series must be non-decreasing")
	}
	assert.Equal(t, "2023-12-31", series[0].Date.String())

	r, err := observation.ParseRange("2024-01-01", "2024-01-02")
	require.NoError(t, err)
	series, err = store.Series(ctx, "A", "S1", r)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 10.0, series[0].FlowRate)
	assert.Equal(t, 20.0, series[1].FlowRate)

	empty, err := store.Series(ctx, "A", "missing", observation.Range{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSQLiteConcurrentDuplicateInsertsKeepUniqueness(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	ctx := context.Background()

	first, err := OpenSQLite(ctx, path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	require.NoError(t, first.EnsureSchema(ctx))

	second, err := OpenSQLite(ctx, path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 8; i++ {
		store := first
		if i%2 == 1 {
			store = second
		}
		wg.Add(1)
		go func(s *SQLiteStore) {
			defer wg.Done()
			for day := 1; day <= 5; day++ {
				ok, err := s.InsertIfAbsent(ctx, obs("A", "S1", fmt.Sprintf("2024-01-%02d", day), 1, 1))
				if !assert.NoError(t, err) {
					return
				}
				if ok {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}
		}(store)
	}
	wg.Wait()

	assert.Equal(t, 5, inserted)
	n, err := first.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Config{Driver: "SQLite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, Prepare(ctx, store, slog.Default()))
	require.NoError(t, store.Ping(ctx))

	_, err = Open(ctx, Config{Driver: "mysql"})
	assert.ErrorIs(t, err, ErrUnknownDriver)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = Open(ctx, Config{Driver: DriverPostgres})
	assert.Error(t, err, "postgres requires a DSN")
}
