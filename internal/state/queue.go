package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// pendingFilter selects rows eligible for fetching: not successful and never attempted.
var pendingFilter = sq.And{
	sq.Eq{"fetch_success": 0},
	sq.Eq{"fetch_errors": nil},
}

// NextPendingFile returns the eligible row with the highest priority, breaking
// ties by the lexicographically greatest filename. The boolean is false when
// the queue is empty.
func (s *Store) NextPendingFile(ctx context.Context) (harvest.FileStatus, bool, error) {
	row, err := s.queryRow(ctx, sq.Select(fileColumns...).
		From(fileTable).
		Where(pendingFilter).
		OrderBy("priority DESC", "filename DESC").
		Limit(1))
	if err != nil {
		return harvest.FileStatus{}, false, err
	}
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.FileStatus{}, false, nil
		}
		return harvest.FileStatus{}, false, fmt.Errorf("next pending file: %w", err)
	}
	return f, true, nil
}

// Pending counts the rows still eligible for fetching.
func (s *Store) Pending(ctx context.Context) (int, error) {
	row, err := s.queryRow(ctx, sq.Select("COUNT(*)").From(fileTable).Where(pendingFilter))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending files: %w", err)
	}
	return n, nil
}

// Stats summarises the file rows.
func (s *Store) Stats(ctx context.Context) (harvest.QueueStats, error) {
	row, err := s.queryRow(ctx, sq.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN fetch_success = 0 AND fetch_errors IS NULL THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN fetch_success = 1 THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN fetch_success = 0 AND fetch_errors IS NOT NULL THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN fetch_errors IS NOT NULL AND delivered_at IS NULL THEN 1 ELSE 0 END), 0)",
	).From(fileTable))
	if err != nil {
		return harvest.QueueStats{}, err
	}
	var st harvest.QueueStats
	if err := row.Scan(&st.Total, &st.Pending, &st.Succeeded, &st.Failed, &st.Undelivered); err != nil {
		return harvest.QueueStats{}, fmt.Errorf("read queue stats: %w", err)
	}
	return st, nil
}
