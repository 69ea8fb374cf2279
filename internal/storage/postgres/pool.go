// Package postgres provides Postgres-backed session, record and checkpoint
// stores.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the shared connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of *pgxpool.Pool the stores use; pgxmock pools
// satisfy it in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return pool, nil
}

// Schema creates the tables the stores write to.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_sessions (
	id            uuid PRIMARY KEY,
	plugin        text        NOT NULL,
	mode          text        NOT NULL,
	started_at    timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text        NOT NULL,
	error_message text,
	seeds         bigint      NOT NULL DEFAULT 0,
	records       bigint      NOT NULL DEFAULT 0,
	failures      bigint      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS crawl_sessions_status_started_idx ON crawl_sessions (status, started_at DESC);

CREATE TABLE IF NOT EXISTS session_site_stats (
	session_id  uuid        NOT NULL REFERENCES crawl_sessions (id) ON DELETE CASCADE,
	site        text        NOT NULL,
	last_update timestamptz NOT NULL,
	visits      bigint      NOT NULL DEFAULT 0,
	bytes_total bigint      NOT NULL DEFAULT 0,
	fetch_2xx   bigint      NOT NULL DEFAULT 0,
	fetch_3xx   bigint      NOT NULL DEFAULT 0,
	fetch_4xx   bigint      NOT NULL DEFAULT 0,
	fetch_5xx   bigint      NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, site)
);

CREATE TABLE IF NOT EXISTS session_checkpoints (
	plugin     text        NOT NULL,
	session_id text        NOT NULL,
	data       jsonb       NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (plugin, session_id)
);

CREATE TABLE IF NOT EXISTS crawl_records (
	session_id   text        NOT NULL,
	plugin       text        NOT NULL,
	record_id    text        NOT NULL,
	record_date  timestamptz,
	label        text        NOT NULL,
	url          text        NOT NULL,
	fetched_at   timestamptz NOT NULL,
	content_hash text,
	blob_uri     text,
	PRIMARY KEY (session_id, label, url, record_id)
);
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db querier) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
