package state

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
)

// migration is one additive schema step. Revisions form a linear chain and
// each is applied at most once, in order, when a store is opened.
type migration struct {
	revision   int
	name       string
	statements []string
}

var migrations = []migration{
	{
		revision: 1,
		name:     "create session and file_status",
		statements: []string{
			`CREATE TABLE session (
				id                INTEGER PRIMARY KEY CHECK (id = 1),
				source            TEXT    NOT NULL,
				base_url          TEXT    NOT NULL DEFAULT '',
				sample            INTEGER NOT NULL DEFAULT 0,
				data_version      TEXT    NOT NULL,
				created_at        TEXT    NOT NULL,
				gather_start      TEXT,
				gather_finish     TEXT,
				gather_success    INTEGER,
				gather_error      TEXT,
				gather_stacktrace TEXT,
				fetch_start       TEXT,
				fetch_finish      TEXT,
				fetch_success     INTEGER
			)`,
			`CREATE TABLE file_status (
				filename       TEXT    PRIMARY KEY,
				url            TEXT    NOT NULL,
				data_type      TEXT    NOT NULL,
				encoding       TEXT    NOT NULL DEFAULT 'utf-8',
				priority       INTEGER NOT NULL DEFAULT 1,
				fetch_start    TEXT,
				fetch_finish   TEXT,
				fetch_success  INTEGER NOT NULL DEFAULT 0,
				fetch_errors   TEXT,
				fetch_warnings TEXT
			)`,
		},
	},
	{
		revision: 2,
		name:     "index pending files by priority",
		statements: []string{
			`CREATE INDEX idx_file_status_pending
				ON file_status (priority DESC, filename DESC)
				WHERE fetch_success = 0 AND fetch_errors IS NULL`,
		},
	},
	{
		revision: 3,
		name:     "track downstream delivery",
		statements: []string{
			`ALTER TABLE file_status ADD COLUMN delivered_at TEXT`,
			`ALTER TABLE file_status ADD COLUMN delivery_error TEXT`,
			`ALTER TABLE session ADD COLUMN end_delivered_at TEXT`,
		},
	},
}

// LatestRevision returns the newest schema revision this build knows.
func LatestRevision() int {
	return migrations[len(migrations)-1].revision
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		revision   INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.Revision(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.revision <= current {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("revision %d (%s): %w", m.revision, m.name, err)
				}
			}
			_, err := txExec(ctx, tx, sq.Insert("schema_migrations").
				Columns("revision", "name", "applied_at").
				Values(m.revision, m.name, s.now()))
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Debug("applied schema migration", zap.Int("revision", m.revision), zap.String("name", m.name))
	}
	return nil
}

// Revision returns the newest applied schema revision, or 0 for an empty store.
func (s *Store) Revision(ctx context.Context) (int, error) {
	row, err := s.queryRow(ctx, sq.Select("COALESCE(MAX(revision), 0)").From("schema_migrations"))
	if err != nil {
		return 0, err
	}
	var rev int
	if err := row.Scan(&rev); err != nil {
		return 0, fmt.Errorf("read schema revision: %w", err)
	}
	return rev, nil
}
