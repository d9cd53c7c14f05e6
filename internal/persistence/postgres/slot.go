// Package postgres implements a snapshot slot backed by a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-taskboard/internal/persistence"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "task_snapshots"

// Config controls the Postgres connection pool used for snapshots.
//
// The table is expected to look like:
//
//	CREATE TABLE task_snapshots (
//		slot       TEXT PRIMARY KEY,
//		payload    JSONB NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type queryExecer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Slot upserts snapshots into one row per key.
type Slot struct {
	pool  queryExecer
	table string
	now   func() time.Time
}

// New creates a pgxpool-backed Slot.
func New(ctx context.Context, cfg Config) (*Slot, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("persistence.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Slot{pool: pool, table: table, now: time.Now}, nil
}

// NewWithPool constructs a Slot from an existing pool (primarily for testing).
func NewWithPool(pool queryExecer, table string, now func() time.Time) (*Slot, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Slot{pool: pool, table: name, now: now}, nil
}

// Put upserts the snapshot row for key.
func (s *Slot) Put(ctx context.Context, key string, data []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %s (slot, payload, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (slot) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, key, data, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Get reads the snapshot row for key.
func (s *Slot) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE slot = $1`, s.table)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrSlotEmpty
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return payload, nil
}

// Close releases the underlying pool resources.
func (s *Slot) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
