package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

var sessionColumns = []string{
	"source",
	"base_url",
	"sample",
	"data_version",
	"created_at",
	"gather_start",
	"gather_finish",
	"gather_success",
	"gather_error",
	"gather_stacktrace",
	"fetch_start",
	"fetch_finish",
	"fetch_success",
	"end_delivered_at",
}

func (s *Store) ensureSession(ctx context.Context, info SessionInfo) error {
	_, err := s.exec(ctx, sq.Insert(sessionTable).
		Columns("id", "source", "base_url", "sample", "data_version", "created_at").
		Values(sessionRowID, info.Source, info.BaseURL, boolInt(info.Sample), info.DataVersion, s.now()).
		Suffix("ON CONFLICT(id) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Session returns the session row.
func (s *Store) Session(ctx context.Context) (harvest.Session, error) {
	row, err := s.queryRow(ctx, sq.Select(sessionColumns...).From(sessionTable).Where(sq.Eq{"id": sessionRowID}))
	if err != nil {
		return harvest.Session{}, err
	}
	var (
		sess                                    harvest.Session
		sample                                  int
		createdAt                               string
		gatherStart, gatherFinish               sql.NullString
		gatherSuccess, fetchSuccess             sql.NullInt64
		gatherError, gatherStack                sql.NullString
		fetchStart, fetchFinish, endDeliveredAt sql.NullString
	)
	err = row.Scan(
		&sess.Source,
		&sess.BaseURL,
		&sample,
		&sess.DataVersion,
		&createdAt,
		&gatherStart,
		&gatherFinish,
		&gatherSuccess,
		&gatherError,
		&gatherStack,
		&fetchStart,
		&fetchFinish,
		&fetchSuccess,
		&endDeliveredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.Session{}, ErrNoSession
		}
		return harvest.Session{}, fmt.Errorf("read session: %w", err)
	}
	sess.Sample = sample != 0
	created, err := parseTime(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return harvest.Session{}, err
	}
	sess.CreatedAt = *created
	sess.GatherSuccess = parseBool(gatherSuccess)
	sess.FetchSuccess = parseBool(fetchSuccess)
	sess.GatherError = gatherError.String
	sess.GatherStacktrace = gatherStack.String
	if sess.GatherStart, err = parseTime(gatherStart); err != nil {
		return harvest.Session{}, err
	}
	if sess.GatherFinish, err = parseTime(gatherFinish); err != nil {
		return harvest.Session{}, err
	}
	if sess.FetchStart, err = parseTime(fetchStart); err != nil {
		return harvest.Session{}, err
	}
	if sess.FetchFinish, err = parseTime(fetchFinish); err != nil {
		return harvest.Session{}, err
	}
	if sess.EndDeliveredAt, err = parseTime(endDeliveredAt); err != nil {
		return harvest.Session{}, err
	}
	return sess, nil
}

// BeginGather stamps the gather start time.
func (s *Store) BeginGather(ctx context.Context) error {
	return s.updateSession(ctx, "begin gather", map[string]any{"gather_start": s.now()})
}

// EndGather records the gather outcome. A successful gather clears any earlier error.
func (s *Store) EndGather(ctx context.Context, success bool, errText, stacktrace string) error {
	return s.updateSession(ctx, "end gather", map[string]any{
		"gather_finish":     s.now(),
		"gather_success":    boolInt(success),
		"gather_error":      nullIfEmpty(errText),
		"gather_stacktrace": nullIfEmpty(stacktrace),
	})
}

// BeginFetchPhase stamps the fetch phase start time.
func (s *Store) BeginFetchPhase(ctx context.Context) error {
	return s.updateSession(ctx, "begin fetch phase", map[string]any{"fetch_start": s.now()})
}

// EndFetchPhase recomputes the session fetch outcome: it succeeds only when no
// file row remains unsuccessful.
func (s *Store) EndFetchPhase(ctx context.Context) (bool, error) {
	row, err := s.queryRow(ctx, sq.Select("COUNT(*)").From(fileTable).Where(sq.Eq{"fetch_success": 0}))
	if err != nil {
		return false, err
	}
	var outstanding int
	if err := row.Scan(&outstanding); err != nil {
		return false, fmt.Errorf("count outstanding files: %w", err)
	}
	success := outstanding == 0
	if err := s.updateSession(ctx, "end fetch phase", map[string]any{
		"fetch_finish":  s.now(),
		"fetch_success": boolInt(success),
	}); err != nil {
		return false, err
	}
	return success, nil
}

// MarkEndDelivered records that the end-of-collection marker reached the downstream service.
func (s *Store) MarkEndDelivered(ctx context.Context) error {
	return s.updateSession(ctx, "mark end delivered", map[string]any{"end_delivered_at": s.now()})
}

func (s *Store) updateSession(ctx context.Context, op string, set map[string]any) error {
	res, err := s.exec(ctx, sq.Update(sessionTable).SetMap(set).Where(sq.Eq{"id": sessionRowID}))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	return nil
}
