package database

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"osrsprices/internal/model"
	"osrsprices/internal/observability"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb?sslmode=disable"

	pool, err = NewPool(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	code := m.Run()

	pool.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("could not stop postgres container: %s", err)
	}
	os.Exit(code)
}

// newRepo returns a repository over empty price tables.
func newRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()
	for _, g := range model.Granularities {
		_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+quote(g.Table()))
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, "TRUNCATE schema_migrations, items")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgresRepository(logger, pool, observability.NewNopMetrics())
}

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func i64(v int64) *int64 {
	return &v
}

func fiveMinuteRecord(itemID int, at int64, high, vol int64) model.Record {
	return model.Record{
		ItemID:    itemID,
		Timestamp: ts(at),
		Fields: map[string]any{
			"avg_high_price":    high,
			"avg_low_price":     high - 10,
			"high_price_volume": vol,
			"low_price_volume":  vol,
		},
	}
}

func tableColumns(t *testing.T, table string) map[string]string {
	t.Helper()
	rows, err := pool.Query(context.Background(), `
		SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, table)
	require.NoError(t, err)
	defer rows.Close()

	cols := map[string]string{}
	for rows.Next() {
		var name, dataType string
		require.NoError(t, rows.Scan(&name, &dataType))
		cols[name] = dataType
	}
	require.NoError(t, rows.Err())
	return cols
}

func TestPostgresRepository_EnsureSchema_CreatesTable(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := fiveMinuteRecord(4151, 1700000100, 1000, 5)
	rec.Fields["spread"] = 1.5
	rec.Fields["unused"] = nil

	schema, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)

	assert.Equal(t, "prices_5m", schema.Table)
	assert.ElementsMatch(t, []string{"avg_high_price", "avg_low_price", "high_price_volume", "low_price_volume", "spread"}, schema.Added)

	cols := tableColumns(t, "prices_5m")
	assert.Equal(t, "bigint", cols["avg_high_price"])
	assert.Equal(t, "double precision", cols["spread"])
	assert.Equal(t, "jsonb", cols["extra"])
	assert.Equal(t, "timestamp with time zone", cols["timestamp"])
	assert.NotContains(t, cols, "unused")

	var recorded int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE table_name = 'prices_5m'`).Scan(&recorded))
	assert.Equal(t, 5, recorded)
}

func TestPostgresRepository_EnsureSchema_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	records := []model.Record{fiveMinuteRecord(4151, 1700000100, 1000, 5)}

	_, err := repo.EnsureSchema(ctx, model.FiveMinute, records)
	require.NoError(t, err)

	schema, err := repo.EnsureSchema(ctx, model.FiveMinute, records)
	require.NoError(t, err)
	assert.Empty(t, schema.Added)

	var recorded int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&recorded))
	assert.Equal(t, 4, recorded)
}

func TestPostgresRepository_EnsureSchema_LongColumnNameIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	col := model.ColumnName(strings.Repeat("extremelyLongUpstreamField", 4))
	rec := fiveMinuteRecord(4151, 1700000100, 1000, 5)
	rec.Fields[col] = int64(1)

	schema, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)
	assert.Contains(t, schema.Added, col)
	assert.Contains(t, tableColumns(t, "prices_5m"), col)

	repo = NewPostgresRepository(repo.logger, pool, observability.NewNopMetrics())
	schema, err = repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)
	assert.Empty(t, schema.Added)
	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, rec))
}

func TestPostgresRepository_EnsureSchema_MonotonicAndKeepsData(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	first := fiveMinuteRecord(4151, 1700000100, 1000, 5)
	first.Fields["spread"] = 1.5
	_, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{first})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, first))

	second := fiveMinuteRecord(4151, 1700000400, 1100, 15)
	second.Fields["trades"] = int64(12)
	schema, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{second})
	require.NoError(t, err)
	assert.Equal(t, []string{"trades"}, schema.Added)
	assert.True(t, schema.Has("spread"), "columns absent from a batch are kept")

	cols := tableColumns(t, "prices_5m")
	assert.Contains(t, cols, "spread")
	assert.Contains(t, cols, "trades")

	rows, err := repo.RecentObservations(ctx, model.FiveMinute, 4151, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1000), *rows[0].High)
	assert.Equal(t, 1.5, rows[0].Extra["spread"])
}

func TestPostgresRepository_EnsureSchema_NeverRetypes(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := fiveMinuteRecord(4151, 1700000100, 1000, 5)
	rec.Fields["spread"] = int64(2)
	_, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)

	drift := fiveMinuteRecord(4151, 1700000400, 1100, 15)
	drift.Fields["spread"] = "wide"
	schema, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{drift})
	require.NoError(t, err)
	assert.Empty(t, schema.Added)
	assert.Equal(t, "bigint", tableColumns(t, "prices_5m")["spread"])

	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, drift))

	rows, err := repo.RecentObservations(ctx, model.FiveMinute, 4151, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "wide", rows[0].Extra["spread"])
}

func TestPostgresRepository_UpsertObservation_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := fiveMinuteRecord(4151, 1700000100, 1000, 5)
	_, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)

	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, rec))
	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, rec))

	updated := fiveMinuteRecord(4151, 1700000100, 1200, 9)
	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, updated))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM prices_5m WHERE item_id = 4151`).Scan(&count))
	assert.Equal(t, 1, count)

	rows, err := repo.RecentObservations(ctx, model.FiveMinute, 4151, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, i64(1200), rows[0].High)
	assert.Equal(t, i64(9), rows[0].HighVolume)
	assert.Equal(t, ts(1700000100), rows[0].Timestamp)
}

func TestPostgresRepository_UpsertObservation_SchemaDrift(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := fiveMinuteRecord(4151, 1700000100, 1000, 5)
	_, err := repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)

	rec.Fields["trades"] = int64(3)
	err = repo.UpsertObservation(ctx, model.FiveMinute, rec)

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "prices_5m", schemaErr.Table)
	assert.Equal(t, "trades", schemaErr.Column)
	assert.False(t, schemaErr.MissingTable())

	_, err = repo.EnsureSchema(ctx, model.FiveMinute, []model.Record{rec})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, rec))
}

func TestPostgresRepository_UpsertObservation_MissingTable(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	err := repo.UpsertObservation(ctx, model.OneHour, fiveMinuteRecord(2, 1700000000, 170, 100))

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.True(t, schemaErr.MissingTable())
}

func TestPostgresRepository_UpsertObservation_NestedValuesGoToExtra(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := model.Record{
		ItemID:    2,
		Timestamp: ts(1700000050),
		Fields: map[string]any{
			"high":      int64(170),
			"low":       int64(165),
			"high_time": int64(1700000050),
			"low_time":  nil,
		},
	}
	_, err := repo.EnsureSchema(ctx, model.Latest, []model.Record{rec})
	require.NoError(t, err)

	rec.Fields["sources"] = jsonRaw(`{"ge":true}`)
	require.NoError(t, repo.UpsertObservation(ctx, model.Latest, rec))

	rows, err := repo.RecentObservations(ctx, model.Latest, 2, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, i64(170), rows[0].High)
	assert.Nil(t, rows[0].HighVolume)
	assert.Equal(t, map[string]any{"ge": true}, rows[0].Extra["sources"])
	assert.Equal(t, int64(1700000050), rows[0].Extra["high_time"])
}

func TestPostgresRepository_ObservationsInRange(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	var records []model.Record
	for i := int64(0); i < 5; i++ {
		records = append(records, fiveMinuteRecord(4151, 1700000000+i*300, 1000+i, 1))
	}
	_, err := repo.EnsureSchema(ctx, model.FiveMinute, records)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, repo.UpsertObservation(ctx, model.FiveMinute, rec))
	}

	rows, err := repo.ObservationsInRange(ctx, model.FiveMinute, 4151, ts(1700000300), ts(1700000900), 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ts(1700000300), rows[0].Timestamp)
	assert.Equal(t, ts(1700000900), rows[2].Timestamp)

	rows, err = repo.ObservationsInRange(ctx, model.FiveMinute, 4151, ts(1700000000), ts(1700001200), 2, true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ts(1700001200), rows[0].Timestamp)
	assert.Equal(t, ts(1700000900), rows[1].Timestamp)

	has, err := repo.HasObservations(ctx, model.FiveMinute, 4151)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = repo.HasObservations(ctx, model.FiveMinute, 999999)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = repo.HasObservations(ctx, model.OneHour, 4151)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.True(t, schemaErr.MissingTable())
}

func TestPostgresRepository_Items(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	items := []model.Item{
		{ID: 4151, Name: "Abyssal whip", Examine: "A weapon from the abyss.", Members: true, Limit: i64(70), HighAlch: i64(72000)},
		{ID: 11840, Name: "Dragon boots", Members: true},
		{ID: 2, Name: "Cannonball"},
	}
	require.NoError(t, repo.UpsertItems(ctx, items))

	items[0].Limit = i64(100)
	require.NoError(t, repo.UpsertItems(ctx, items[:1]))

	whip, err := repo.GetItem(ctx, 4151)
	require.NoError(t, err)
	assert.Equal(t, "Abyssal whip", whip.Name)
	assert.Equal(t, i64(100), whip.Limit)
	assert.Nil(t, whip.Value)

	_, err = repo.GetItem(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := repo.SearchItems(ctx, "DRAGON", false)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 11840, found[0].ID)

	found, err = repo.SearchItems(ctx, "Cannonball", true)
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = repo.SearchItems(ctx, "cannon", true)
	require.NoError(t, err)
	assert.Empty(t, found)
}
