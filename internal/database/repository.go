package database

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"osrsprices/internal/model"
	"osrsprices/internal/observability"
)

// Repository defines the write side used by the ingestion pipeline.
type Repository interface {
	Migrate(ctx context.Context) error
	EnsureSchema(ctx context.Context, g model.Granularity, records []model.Record) (TableSchema, error)
	UpsertObservation(ctx context.Context, g model.Granularity, rec model.Record) error
	UpsertItems(ctx context.Context, items []model.Item) error
}

// PriceStore defines the read side used by the read model and range queries.
type PriceStore interface {
	GetItem(ctx context.Context, id int) (*model.Item, error)
	SearchItems(ctx context.Context, name string, exact bool) ([]model.Item, error)
	RecentObservations(ctx context.Context, g model.Granularity, itemID, n int) ([]model.Observation, error)
	ObservationsInRange(ctx context.Context, g model.Granularity, itemID int, start, end time.Time, limit int, descending bool) ([]model.Observation, error)
	HasObservations(ctx context.Context, g model.Granularity, itemID int) (bool, error)
}

// PostgresRepository implements Repository and PriceStore on PostgreSQL.
type PostgresRepository struct {
	Pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	schemas map[string]TableSchema
}

// NewPostgresRepository creates a repository over pool.
func NewPostgresRepository(logger *slog.Logger, pool *pgxpool.Pool, metrics *observability.Metrics) *PostgresRepository {
	return &PostgresRepository{
		Pool:    pool,
		logger:  logger,
		metrics: metrics,
		schemas: make(map[string]TableSchema),
	}
}

// Compile-time interface checks.
var (
	_ Repository = (*PostgresRepository)(nil)
	_ PriceStore = (*PostgresRepository)(nil)
)

// Migrate creates the item catalog and the schema migration ledger.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	return runMigrations(ctx, r.Pool)
}
