// Package warehouse implements the DuckDB fact table and derived marts.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
)

// Table DDL. The fact table is keyed on the natural key; the marts are
// keyed (load_date, status) and fully replaced per load date.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ods_manga (
		manga_id     VARCHAR PRIMARY KEY,
		title        VARCHAR,
		status       VARCHAR,
		last_chapter VARCHAR,
		year         INTEGER,
		tags         VARCHAR,
		updated_at   TIMESTAMP,
		load_date    DATE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dm_manga_daily_counts (
		load_date   DATE NOT NULL,
		status      VARCHAR,
		count_manga BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dm_manga_avg_year (
		load_date DATE NOT NULL,
		status    VARCHAR,
		avg_year  DOUBLE
	)`,
}

// Warehouse wraps the DuckDB connection holding the fact table and marts.
type Warehouse struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the DuckDB database at path and ensures the
// schema exists. An empty path opens an in-memory database.
func Open(path string, logger *slog.Logger) (*Warehouse, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	w := &Warehouse{db: db, logger: logger.With("component", "warehouse")}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// Close closes the underlying connection pool.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// DB exposes the underlying handle for read-only consumers.
func (w *Warehouse) DB() *sql.DB {
	return w.db
}

func (w *Warehouse) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
