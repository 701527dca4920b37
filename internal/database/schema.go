package database

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"osrsprices/internal/model"
)

// TableSchema describes the managed columns of one granularity table.
// Added lists the columns created by the call that returned it.
type TableSchema struct {
	Table   string
	Columns map[string]model.ColumnType
	Added   []string
}

// Has reports whether col exists.
func (s TableSchema) Has(col string) bool {
	_, ok := s.Columns[col]
	return ok
}

// InferColumns derives a column descriptor from every key seen across records.
// Types widen deterministically; null-only keys are left out because they
// carry no type, and nested JSON values belong to the extra column.
func InferColumns(records []model.Record) map[string]model.ColumnType {
	cols := make(map[string]model.ColumnType)
	for _, rec := range records {
		for col, v := range rec.Fields {
			t := model.TypeOf(v)
			if t == model.Unknown {
				continue
			}
			cols[col] = cols[col].Widen(t)
		}
	}
	return cols
}

// desiredColumns merges the tier's core columns with the inferred ones. Core
// column types are fixed.
func desiredColumns(g model.Granularity, records []model.Record) map[string]model.ColumnType {
	cols := InferColumns(records)
	for col, t := range g.CoreColumns() {
		cols[col] = t
	}
	return cols
}

// EnsureSchema creates the granularity table when missing and adds any column
// present in records but absent from the table. Existing columns are never
// dropped or retyped, so repeated calls with the same records change nothing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context, g model.Granularity, records []model.Record) (TableSchema, error) {
	table := g.Table()
	desired := desiredColumns(g, records)

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return TableSchema{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return TableSchema{}, fmt.Errorf("lock %s schema: %w", table, err)
	}

	existing, err := loadColumns(ctx, tx, table)
	if err != nil {
		return TableSchema{}, err
	}

	var added []string
	if len(existing) == 0 {
		if err := createTable(ctx, tx, table, desired); err != nil {
			return TableSchema{}, err
		}
		existing = make(map[string]model.ColumnType, len(desired))
		for col, t := range desired {
			existing[col] = t
			added = append(added, col)
		}
	} else {
		for _, col := range sortedKeys(desired) {
			if _, ok := existing[col]; ok {
				continue
			}
			t := desired[col]
			stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`, quote(table), quote(col), t.SQLType())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return TableSchema{}, fmt.Errorf("add column %s.%s: %w", table, col, err)
			}
			existing[col] = t
			added = append(added, col)
		}
	}
	sort.Strings(added)

	for _, col := range added {
		_, err := tx.Exec(ctx, `
			INSERT INTO schema_migrations (table_name, column_name, column_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (table_name, column_name) DO NOTHING
		`, table, col, existing[col].String())
		if err != nil {
			return TableSchema{}, fmt.Errorf("record migration %s.%s: %w", table, col, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return TableSchema{}, fmt.Errorf("commit tx: %w", err)
	}

	schema := TableSchema{Table: table, Columns: existing}
	r.cacheSchema(schema)

	if len(added) > 0 {
		r.metrics.ColumnsAdded.WithLabelValues(table).Add(float64(len(added)))
		r.logger.Info("Schema: columns added", "table", table, "columns", added)
	}
	schema.Added = added
	return schema, nil
}

func createTable(ctx context.Context, tx pgx.Tx, table string, cols map[string]model.ColumnType) error {
	defs := []string{
		`item_id BIGINT NOT NULL`,
		`"timestamp" TIMESTAMPTZ NOT NULL`,
		`extra JSONB NOT NULL DEFAULT '{}'::jsonb`,
	}
	for _, col := range sortedKeys(cols) {
		defs = append(defs, quote(col)+" "+cols[col].SQLType())
	}
	defs = append(defs, `PRIMARY KEY (item_id, "timestamp")`)

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(table), strings.Join(defs, ",\n\t"))
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// loadColumns returns the managed columns of table, empty when it does not exist.
func loadColumns(ctx context.Context, q pgx.Tx, table string) (map[string]model.ColumnType, error) {
	rows, err := q.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("load columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]model.ColumnType)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		if isBaseColumn(name) {
			continue
		}
		cols[name] = model.ColumnTypeFromSQL(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return cols, nil
}

// schemaFor returns the cached schema of g's table, loading it on first use.
// A missing table yields an empty schema.
func (r *PostgresRepository) schemaFor(ctx context.Context, g model.Granularity) (TableSchema, error) {
	table := g.Table()
	r.mu.RLock()
	schema, ok := r.schemas[table]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return TableSchema{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cols, err := loadColumns(ctx, tx, table)
	if err != nil {
		return TableSchema{}, err
	}
	schema = TableSchema{Table: table, Columns: cols}
	if len(cols) > 0 {
		r.cacheSchema(schema)
	}
	return schema, nil
}

func (r *PostgresRepository) cacheSchema(schema TableSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Table] = schema
}

func (r *PostgresRepository) forgetSchema(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, table)
}

func isBaseColumn(name string) bool {
	return name == "item_id" || name == "timestamp" || name == "extra"
}

// coerce converts v into a value storable in a column of type t. It reports
// false when the conversion would lose information.
func coerce(v any, t model.ColumnType) (any, bool) {
	switch t {
	case model.Integer:
		switch val := v.(type) {
		case int64:
			return val, true
		case float64:
			if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
				return int64(val), true
			}
		}
	case model.Numeric:
		switch val := v.(type) {
		case int64:
			return float64(val), true
		case float64:
			return val, true
		}
	case model.Text:
		switch val := v.(type) {
		case string:
			return val, true
		case int64:
			return strconv.FormatInt(val, 10), true
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(val), true
		}
	case model.Boolean:
		if val, ok := v.(bool); ok {
			return val, true
		}
	}
	return nil, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
