package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// PostgreSQL error codes
const (
	pgErrUndefinedTable  = "42P01"
	pgErrUndefinedColumn = "42703"
)

// SchemaError reports a write or read that failed because the target table or
// column does not exist yet.
type SchemaError struct {
	Table  string
	Column string
	Code   string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("schema: %s.%s does not exist: %v", e.Table, e.Column, e.Err)
	}
	return fmt.Sprintf("schema: table %s does not exist: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// MissingTable reports whether the whole table is absent.
func (e *SchemaError) MissingTable() bool {
	return e.Code == pgErrUndefinedTable
}

// NewPool creates a new Postgres connection pool and verifies it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// runMigrations applies all embedded SQL files in lexical order. Every
// migration is idempotent.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// asSchemaError converts undefined table/column failures into a SchemaError.
func asSchemaError(table string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case pgErrUndefinedTable, pgErrUndefinedColumn:
		return &SchemaError{Table: table, Column: undefinedColumn(pgErr), Code: pgErr.Code, Err: err}
	}
	return nil
}

// undefinedColumn extracts the column name from a 42703 message such as
// `column "spread" of relation "prices_5m" does not exist`.
func undefinedColumn(pgErr *pgconn.PgError) string {
	if pgErr.Code != pgErrUndefinedColumn {
		return ""
	}
	msg := pgErr.Message
	start := strings.Index(msg, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(msg[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return msg[start+1 : start+1+end]
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
