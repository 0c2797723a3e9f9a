// Package state implements the durable per-session harvest store on SQLite.
//
// One store file holds exactly one session row and the file rows discovered
// for it. The store is single-writer: every operation is one short
// transaction, so a process killed mid-run resumes from the last committed
// mutation.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/procurement-harvester/internal/clock"
	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// Filename is the store file name inside a data version directory.
const Filename = "state.sqlite"

const (
	sessionTable = "session"
	fileTable    = "file_status"
	sessionRowID = 1
	timeLayout   = time.RFC3339Nano
)

// SessionInfo is the immutable identity written when the session row is created.
type SessionInfo struct {
	Source      string
	BaseURL     string
	Sample      bool
	DataVersion string
}

// Store is the SQLite-backed harvest.Store.
type Store struct {
	db     *sql.DB
	clock  harvest.Clock
	logger *zap.Logger
	path   string
}

var _ harvest.Store = (*Store)(nil)

type options struct {
	clock       harvest.Clock
	logger      *zap.Logger
	busyTimeout int
}

// Option customises Open behaviour.
type Option func(*options)

// WithClock overrides the clock used for timestamps.
func WithClock(c harvest.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeout = ms } }

// Open opens or creates the store at path, applies migrations and ensures the
// session row exists. Creating the session row is idempotent: an existing row
// is left untouched.
func Open(ctx context.Context, path string, info SessionInfo, opts ...Option) (*Store, error) {
	if strings.TrimSpace(info.Source) == "" {
		return nil, fmt.Errorf("session source is required")
	}
	if strings.TrimSpace(info.DataVersion) == "" {
		return nil, fmt.Errorf("session data version is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s, err := open(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSession(ctx, info); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenExisting opens a store that must already exist, for status reporting.
func OpenExisting(ctx context.Context, path string, opts ...Option) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat store: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("store path %s is a directory", path)
	}
	s, err := open(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.Session(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: 10_000}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.System{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: single writer, and every statement sees the same pragmas.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db, clock: o.clock, logger: o.logger, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

func (s *Store) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.QueryRowContext(ctx, query, args...), nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func txExec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return tx.ExecContext(ctx, query, args...)
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

func encodeList(items []string) (any, error) {
	if items == nil {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

// encodeOutcomeList always writes a JSON array, even for nil, so an attempted row is distinguishable from a pending one.
func encodeOutcomeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(raw sql.NullString) ([]string, error) {
	if !raw.Valid {
		return nil, nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

func parseTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", raw.String, err)
	}
	return &t, nil
}

func parseBool(raw sql.NullInt64) *bool {
	if !raw.Valid {
		return nil
	}
	v := raw.Int64 != 0
	return &v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ErrNoSession is returned when the store has no session row.
var ErrNoSession = errors.New("session row missing")
