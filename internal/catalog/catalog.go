// Package catalog mirrors session summaries into a shared Postgres table so
// many per-session stores can be monitored from one place.
package catalog

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "harvest_sessions"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Catalog implements harvest.Reporter.
type Catalog struct {
	pool  execCloser
	table string
}

// New connects to Postgres.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
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
	return &Catalog{pool: pool, table: table}, nil
}

// NewWithPool constructs a catalog from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Catalog{pool: pool, table: name}, nil
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

// Close releases the underlying pool resources.
func (c *Catalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// EnsureSchema creates the catalog table when missing.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source        TEXT NOT NULL,
	data_version  TEXT NOT NULL,
	sample        BOOLEAN NOT NULL,
	gather_state  TEXT NOT NULL,
	fetch_state   TEXT NOT NULL,
	files_total   INTEGER NOT NULL,
	files_pending INTEGER NOT NULL,
	files_ok      INTEGER NOT NULL,
	files_failed  INTEGER NOT NULL,
	undelivered   INTEGER NOT NULL,
	gather_error  TEXT,
	gather_finish TIMESTAMPTZ,
	fetch_finish  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, sample, data_version)
)`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create catalog table: %w", err)
	}
	return nil
}

// Report upserts the summary row of one session.
func (c *Catalog) Report(ctx context.Context, s harvest.Summary) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("catalog is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	source, data_version, sample, gather_state, fetch_state,
	files_total, files_pending, files_ok, files_failed, undelivered,
	gather_error, gather_finish, fetch_finish, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (source, sample, data_version) DO UPDATE SET
	gather_state = EXCLUDED.gather_state,
	fetch_state = EXCLUDED.fetch_state,
	files_total = EXCLUDED.files_total,
	files_pending = EXCLUDED.files_pending,
	files_ok = EXCLUDED.files_ok,
	files_failed = EXCLUDED.files_failed,
	undelivered = EXCLUDED.undelivered,
	gather_error = EXCLUDED.gather_error,
	gather_finish = EXCLUDED.gather_finish,
	fetch_finish = EXCLUDED.fetch_finish,
	updated_at = EXCLUDED.updated_at`, c.table)

	var gatherErr *string
	if s.GatherError != "" {
		gatherErr = &s.GatherError
	}
	args := []any{
		s.Source,
		s.DataVersion,
		s.Sample,
		string(s.GatherState),
		string(s.FetchState),
		s.Stats.Total,
		s.Stats.Pending,
		s.Stats.Succeeded,
		s.Stats.Failed,
		s.Stats.Undelivered,
		gatherErr,
		s.GatherFinish,
		s.FetchFinish,
		s.UpdatedAt,
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert session summary: %w", err)
	}
	return nil
}

var _ harvest.Reporter = (*Catalog)(nil)
