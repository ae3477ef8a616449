// Package postgres provides Postgres-backed run-summary persistence.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrapeloop/schedbench/internal/report"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes run-summary rows into Postgres.
type Store struct {
	pool  execCloser
	table string
}

// Config controls the Postgres connection used for run summaries.
type Config struct {
	DSN   string
	Table string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "run_summaries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "run_summaries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// SaveRun inserts one summary row. It assumes a table schema like:
//
//	CREATE TABLE run_summaries (
//	    run_id TEXT PRIMARY KEY,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ NOT NULL,
//	    generated BIGINT NOT NULL,
//	    completed BIGINT NOT NULL,
//	    overflowed BIGINT NOT NULL,
//	    promoted BIGINT NOT NULL,
//	    total_errors BIGINT NOT NULL,
//	    clean BOOLEAN NOT NULL,
//	    detail JSONB
//	);
func (s *Store) SaveRun(ctx context.Context, final report.Final) error {
	detail, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshal run detail: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, started_at, finished_at, generated, completed, overflowed, promoted, total_errors, clean, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		final.RunID,
		final.StartedAt,
		final.FinishedAt,
		final.Generated,
		final.Completed,
		final.Overflowed,
		final.Promoted,
		final.Errors.Total(),
		final.Clean(),
		detail,
	); err != nil {
		return fmt.Errorf("insert run summary: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
