package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"osrsprices/internal/model"
)

const itemColumns = `id, name, examine, members, icon, item_limit, value, highalch, lowalch, updated_at`

// UpsertItems writes the item catalog atomically, updating rows in place by id.
func (r *PostgresRepository) UpsertItems(ctx context.Context, items []model.Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO items (id, name, examine, members, icon, item_limit, value, highalch, lowalch, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			examine = EXCLUDED.examine,
			members = EXCLUDED.members,
			icon = EXCLUDED.icon,
			item_limit = EXCLUDED.item_limit,
			value = EXCLUDED.value,
			highalch = EXCLUDED.highalch,
			lowalch = EXCLUDED.lowalch,
			updated_at = EXCLUDED.updated_at
	`

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(query,
			item.ID,
			item.Name,
			item.Examine,
			item.Members,
			item.Icon,
			item.Limit,
			item.Value,
			item.HighAlch,
			item.LowAlch,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for _, item := range items {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert item %d: %w", item.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetItem returns the catalog entry for id or ErrNotFound.
func (r *PostgresRepository) GetItem(ctx context.Context, id int) (*model.Item, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)

	item, err := scanItem(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return item, nil
}

// SearchItems finds items by exact name or by case-insensitive substring.
func (r *PostgresRepository) SearchItems(ctx context.Context, name string, exact bool) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE name = $1 ORDER BY id`
	arg := name
	if !exact {
		query = `SELECT ` + itemColumns + ` FROM items WHERE name ILIKE $1 ESCAPE '\' ORDER BY name, id LIMIT 50`
		arg = "%" + escapeLike(name) + "%"
	}

	rows, err := r.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (*model.Item, error) {
	var item model.Item
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Examine,
		&item.Members,
		&item.Icon,
		&item.Limit,
		&item.Value,
		&item.HighAlch,
		&item.LowAlch,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
