package db

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// newTestPostgres connects to TEST_DATABASE_URL and starts from an empty table.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn, slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Pool().Close)

	_, err = store.Pool().Exec(ctx, `DROP TABLE IF EXISTS river_data`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresInsertAndQuery(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	result, err := store.InsertBatch(ctx, []observation.Observation{
		obs("B", "S2", "2024-01-02", 2, 20),
		obs("A", "S1", "2024-01-02", 1.2, 12),
		obs("A", "S1", "2024-01-01", 1.5, 10),
		obs("A", "S1", "2024-01-01", 9, 9),
		{River: "A", Station: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)
	assert.Equal(t, 1, result.Duplicates)
	assert.Len(t, result.Failed, 1)

	inserted, err := store.InsertIfAbsent(ctx, obs("A", "S1", "2024-01-01", 1, 1))
	require.NoError(t, err)
	assert.False(t, inserted)

	max, err := store.MaxDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", max)

	rivers, err := store.Rivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, rivers)

	series, err := store.Series(ctx, "A", "S1", observation.Range{})
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "2024-01-01", series[0].Date.String())
	assert.Equal(t, 1.5, series[0].WaterLevel)

	r, err := observation.ParseRange("2024-01-02", "")
	require.NoError(t, err)
	series, err = store.Series(ctx, "A", "S1", r)
	require.NoError(t, err)
	require.Len(t, series, 1)
}

func TestPostgresMigrateLegacy(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	_, err := store.Pool().Exec(ctx, `INSERT INTO river_data (river_name, station_name, date, date_int, z_value, q_value) VALUES
		('A', 'S1', '2023-03-01', NULL, 1, 1),
		('A', 'S1', '03/02/2023', NULL, 1, 1)`)
	require.NoError(t, err)

	report, err := store.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationReport{Scanned: 2, Updated: 1, Skipped: 1}, report)

	var dateInt int
	require.NoError(t, store.Pool().QueryRow(ctx, `SELECT date_int FROM river_data WHERE date = '2023-03-01'`).Scan(&dateInt))
	assert.Equal(t, 20230301, dateInt)
}

func TestPostgresInsertBatchRollsBackFailedStatement(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	_, err := store.Pool().Exec(ctx, `ALTER TABLE river_data ADD CONSTRAINT non_negative_flow CHECK (q_value >= 0)`)
	require.NoError(t, err)

	result, err := store.InsertBatch(ctx, []observation.Observation{
		obs("A", "S1", "2024-01-01", 1, 10),
		obs("A", "S2", "2024-01-01", 1, -5),
		obs("A", "S3", "2024-01-01", 1, 30),
	})
	require.NoError(t, err, "a failed row must not poison the transaction")
	assert.Equal(t, 2, result.Inserted)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "S2", result.Failed[0].Observation.Station)

	stations, err := store.Stations(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S3"}, stations)
}
