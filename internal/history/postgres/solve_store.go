// Package postgres provides Postgres-backed persistence for solve history.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SolveStoreConfig controls the Postgres connection pool used for solve rows.
type SolveStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// SolveStore writes solve history rows into Postgres.
type SolveStore struct {
	pool  execCloser
	table string
}

// NewSolveStore creates a Postgres-backed SolveStore using the provided config.
func NewSolveStore(ctx context.Context, cfg SolveStoreConfig) (*SolveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "solves"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SolveStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewSolveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSolveStoreWithPool(pool execCloser, table string) (*SolveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "solves"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SolveStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SolveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreSolve inserts a solve history row into Postgres.
func (s *SolveStore) StoreSolve(ctx context.Context, record captcha.SolveRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("solve store is not configured")
	}
	if record.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	kind,
	status,
	fail_kind,
	proxy,
	attempts,
	duration_ms,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.table)

	args := []any{
		record.JobID,
		string(record.Kind),
		string(record.Status),
		string(record.FailKind),
		record.Proxy,
		record.Attempts,
		record.DurationMs,
		record.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert solve: %w", err)
	}
	return nil
}
