package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"osrsprices/internal/model"
)

// UpsertObservation writes one row keyed by (item_id, timestamp). A conflict
// overwrites every written column with the new values.
//
// Values whose column exists with an incompatible type go to the extra JSONB
// column under their field name. Fields without a column are written as-is,
// so the insert fails with a SchemaError the caller can repair.
func (r *PostgresRepository) UpsertObservation(ctx context.Context, g model.Granularity, rec model.Record) error {
	schema, err := r.schemaFor(ctx, g)
	if err != nil {
		return err
	}
	table := g.Table()

	cols := []string{"item_id", "timestamp"}
	args := []any{rec.ItemID, rec.Timestamp}
	extra := map[string]any{}

	for _, col := range sortedKeys(rec.Fields) {
		v := rec.Fields[col]
		t, known := schema.Columns[col]

		switch val := v.(type) {
		case nil:
			if !known {
				continue
			}
		case json.RawMessage:
			extra[col] = val
			continue
		default:
			if known {
				coerced, ok := coerce(val, t)
				if !ok {
					extra[col] = val
					continue
				}
				v = coerced
			}
		}
		cols = append(cols, col)
		args = append(args, v)
	}
	cols = append(cols, "extra")
	args = append(args, extra)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	var updates []string
	for i, col := range cols {
		quoted[i] = quote(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col != "item_id" && col != "timestamp" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (item_id, "timestamp") DO UPDATE SET %s
	`, quote(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	if _, err := r.Pool.Exec(ctx, query, args...); err != nil {
		if schemaErr := asSchemaError(table, err); schemaErr != nil {
			r.forgetSchema(table)
			return schemaErr
		}
		return fmt.Errorf("upsert %s row: %w", table, err)
	}
	return nil
}

// RecentObservations returns the newest n rows for an item, newest first.
func (r *PostgresRepository) RecentObservations(ctx context.Context, g model.Granularity, itemID, n int) ([]model.Observation, error) {
	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE item_id = $1
		ORDER BY "timestamp" DESC
		LIMIT $2
	`, quote(g.Table()))

	rows, err := r.Pool.Query(ctx, query, itemID, n)
	if err != nil {
		return nil, r.readError(g, "get recent observations", err)
	}
	defer rows.Close()

	obs, err := scanObservations(rows, g)
	if err != nil {
		return nil, r.readError(g, "scan observations", err)
	}
	return obs, nil
}

// ObservationsInRange returns rows with start <= timestamp <= end. A limit of
// zero or less means no limit.
func (r *PostgresRepository) ObservationsInRange(ctx context.Context, g model.Granularity, itemID int, start, end time.Time, limit int, descending bool) ([]model.Observation, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE item_id = $1 AND "timestamp" >= $2 AND "timestamp" <= $3
		ORDER BY "timestamp" %s
	`, quote(g.Table()), order)

	args := []any{itemID, start, end}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, r.readError(g, "get observations by time range", err)
	}
	defer rows.Close()

	obs, err := scanObservations(rows, g)
	if err != nil {
		return nil, r.readError(g, "scan observations", err)
	}
	return obs, nil
}

// HasObservations reports whether any row exists for the item. A missing
// table returns a SchemaError.
func (r *PostgresRepository) HasObservations(ctx context.Context, g model.Granularity, itemID int) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE item_id = $1)`, quote(g.Table()))

	var exists bool
	if err := r.Pool.QueryRow(ctx, query, itemID).Scan(&exists); err != nil {
		return false, r.readError(g, "check observations", err)
	}
	return exists, nil
}

func (r *PostgresRepository) readError(g model.Granularity, op string, err error) error {
	if schemaErr := asSchemaError(g.Table(), err); schemaErr != nil {
		return schemaErr
	}
	return fmt.Errorf("%s: %w", op, err)
}

// scanObservations maps rows of any column set onto Observations. Columns the
// tier does not model are returned in Extra along with the JSONB side column.
func scanObservations(rows pgx.Rows, g model.Granularity) ([]model.Observation, error) {
	fields := rows.FieldDescriptions()
	var out []model.Observation

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan observation row: %w", err)
		}

		obs := model.Observation{Granularity: g}
		for i, fd := range fields {
			v := values[i]
			switch fd.Name {
			case "item_id":
				if id, ok := toInt64(v); ok {
					obs.ItemID = int(id)
				}
			case "timestamp":
				if ts, ok := v.(time.Time); ok {
					obs.Timestamp = ts.UTC()
				}
			case g.HighColumn():
				obs.High = toInt64Ptr(v)
			case g.LowColumn():
				obs.Low = toInt64Ptr(v)
			case "extra":
				if m, ok := v.(map[string]any); ok {
					for k, ev := range m {
						setExtra(&obs, k, ev)
					}
				}
			default:
				if g.HasVolume() && fd.Name == g.HighVolumeColumn() {
					obs.HighVolume = toInt64Ptr(v)
				} else if g.HasVolume() && fd.Name == g.LowVolumeColumn() {
					obs.LowVolume = toInt64Ptr(v)
				} else if v != nil {
					setExtra(&obs, fd.Name, v)
				}
			}
		}
		out = append(out, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observation rows: %w", err)
	}
	return out, nil
}

func setExtra(obs *model.Observation, key string, v any) {
	if obs.Extra == nil {
		obs.Extra = make(map[string]any)
	}
	obs.Extra[key] = v
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case float64:
		return int64(val), true
	}
	return 0, false
}

func toInt64Ptr(v any) *int64 {
	i, ok := toInt64(v)
	if !ok {
		return nil
	}
	return &i
}
