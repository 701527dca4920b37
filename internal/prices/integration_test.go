package prices

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"osrsprices/internal/config"
	"osrsprices/internal/database"
	"osrsprices/internal/ingest"
	"osrsprices/internal/model"
	"osrsprices/internal/observability"
	"osrsprices/internal/wiki"
)

// staticSource serves fixed snapshots, one per call, in order.
type staticSource struct {
	snapshots []*wiki.Snapshot
}

func (s *staticSource) Prices(_ context.Context, g model.Granularity, _ wiki.Params) (*wiki.Snapshot, error) {
	snap := s.snapshots[0]
	s.snapshots = s.snapshots[1:]
	snap.Granularity = g
	return snap, nil
}

func (s *staticSource) Mapping(context.Context) ([]model.Item, error) {
	return []model.Item{{ID: 4151, Name: "Abyssal whip", Members: true}}, nil
}

func (s *staticSource) Timeseries(context.Context, int, string) ([]model.Record, error) {
	return nil, nil
}

// setupRepository starts a disposable Postgres and applies migrations.
func setupRepository(t *testing.T) *database.PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("prices"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := database.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := database.NewPostgresRepository(logger, pool, observability.NewNopMetrics())
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func fiveMinuteSnapshot(at time.Time, high, volume int64) *wiki.Snapshot {
	return &wiki.Snapshot{
		FetchedAt: at,
		Records: []model.Record{{
			ItemID:    4151,
			Timestamp: at,
			Fields: map[string]any{
				"avg_high_price":    high,
				"avg_low_price":     nil,
				"high_price_volume": volume,
				"low_price_volume":  int64(0),
			},
		}},
	}
}

func TestEndToEnd_IngestThenLoad(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	source := &staticSource{snapshots: []*wiki.Snapshot{
		fiveMinuteSnapshot(base, 1000, 5),
		fiveMinuteSnapshot(base.Add(300*time.Second), 1100, 15),
		fiveMinuteSnapshot(base.Add(600*time.Second), 1050, 10),
	}}

	pipeline := ingest.NewPipeline(logger, source, repo, observability.NewNopMetrics(), config.IngestConfig{})
	_, err := pipeline.SyncMapping(ctx)
	require.NoError(t, err)
	for range 3 {
		report, err := pipeline.CollectFiveMinute(ctx)
		require.NoError(t, err)
		require.Empty(t, report.Failed)
	}

	reader := NewReader(logger, repo, config.IngestConfig{RecentWindow: 3})
	view := reader.Load(ctx, 4151)

	require.NotNil(t, view.Item)
	assert.Equal(t, "Abyssal whip", view.Item.Name)

	five := view.Tier(model.FiveMinute)
	assert.Equal(t, model.Available(1050), five.Raw.High)
	assert.InDelta(t, 1066.67, five.Rolled.High.Value, 0.01)
	assert.False(t, five.Rolled.Low.Valid, "no low price recorded")
	assert.False(t, view.Tier(model.Latest).Raw.High.Valid)
	assert.False(t, view.Tier(model.OneHour).Rolled.Mid.Valid)

	history, err := reader.QueryRange(ctx, RangeQuery{ItemID: 4151, Granularity: "5min", Start: base.Unix(), End: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, base, history[0].Timestamp)

	_, err = reader.QueryRange(ctx, RangeQuery{ItemID: 4151, Granularity: "1h", Start: base})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	empty := reader.Load(ctx, 11840)
	assert.Nil(t, empty.Item)
	assert.False(t, empty.Tier(model.FiveMinute).Rolled.High.Valid)
}
