package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

var fileColumns = []string{
	"filename",
	"url",
	"data_type",
	"encoding",
	"priority",
	"fetch_start",
	"fetch_finish",
	"fetch_success",
	"fetch_errors",
	"fetch_warnings",
	"delivered_at",
	"delivery_error",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (harvest.FileStatus, error) {
	var (
		f                                       harvest.FileStatus
		dataType                                string
		success                                 int
		fetchStart, fetchFinish, deliveredAt    sql.NullString
		fetchErrors, fetchWarnings, deliveryErr sql.NullString
	)
	err := row.Scan(
		&f.Filename,
		&f.URL,
		&dataType,
		&f.Encoding,
		&f.Priority,
		&fetchStart,
		&fetchFinish,
		&success,
		&fetchErrors,
		&fetchWarnings,
		&deliveredAt,
		&deliveryErr,
	)
	if err != nil {
		return harvest.FileStatus{}, err
	}
	f.DataType = harvest.DataType(dataType)
	f.FetchSuccess = success != 0
	f.DeliveryError = deliveryErr.String
	if f.FetchStart, err = parseTime(fetchStart); err != nil {
		return harvest.FileStatus{}, err
	}
	if f.FetchFinish, err = parseTime(fetchFinish); err != nil {
		return harvest.FileStatus{}, err
	}
	if f.DeliveredAt, err = parseTime(deliveredAt); err != nil {
		return harvest.FileStatus{}, err
	}
	if f.FetchErrors, err = decodeList(fetchErrors); err != nil {
		return harvest.FileStatus{}, err
	}
	if f.FetchWarnings, err = decodeList(fetchWarnings); err != nil {
		return harvest.FileStatus{}, err
	}
	return f, nil
}

// HasFile reports whether a row exists for filename.
func (s *Store) HasFile(ctx context.Context, filename string) (bool, error) {
	row, err := s.queryRow(ctx, sq.Select("COUNT(*)").From(fileTable).Where(sq.Eq{"filename": filename}))
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("has file %s: %w", filename, err)
	}
	return n > 0, nil
}

// GetFile returns the row for filename or harvest.ErrFileNotFound.
func (s *Store) GetFile(ctx context.Context, filename string) (harvest.FileStatus, error) {
	row, err := s.queryRow(ctx, sq.Select(fileColumns...).From(fileTable).Where(sq.Eq{"filename": filename}))
	if err != nil {
		return harvest.FileStatus{}, err
	}
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.FileStatus{}, fmt.Errorf("%s: %w", filename, harvest.ErrFileNotFound)
		}
		return harvest.FileStatus{}, fmt.Errorf("get file %s: %w", filename, err)
	}
	return f, nil
}

// FilesMatch compares the stored row's url, data type, encoding and priority with desc.
func (s *Store) FilesMatch(ctx context.Context, filename string, desc harvest.FileDescriptor) (bool, error) {
	stored, err := s.GetFile(ctx, filename)
	if err != nil {
		return false, err
	}
	return stored.FileDescriptor.Matches(desc), nil
}

// AddFile inserts a new pending row. It fails with harvest.ErrDuplicateFilename
// if the filename exists; callers check HasFile and FilesMatch first.
func (s *Store) AddFile(ctx context.Context, desc harvest.FileDescriptor) error {
	desc = desc.Normalized()
	if desc.Filename == "" {
		return fmt.Errorf("add file: filename is required")
	}
	_, err := s.exec(ctx, sq.Insert(fileTable).
		Columns("filename", "url", "data_type", "encoding", "priority").
		Values(desc.Filename, desc.URL, string(desc.DataType), desc.Encoding, desc.Priority))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("add file %s: %w", desc.Filename, harvest.ErrDuplicateFilename)
		}
		return fmt.Errorf("add file %s: %w", desc.Filename, err)
	}
	return nil
}

// BeginFetch stamps the fetch start of one file.
func (s *Store) BeginFetch(ctx context.Context, filename string) error {
	return s.updateFile(ctx, "begin fetch", filename, map[string]any{"fetch_start": s.now()})
}

// EndFetch records the outcome of one attempt. The error list is always
// written, even when empty, so the row is never picked up again.
func (s *Store) EndFetch(ctx context.Context, filename string, errs, warnings []string) error {
	errList, err := encodeOutcomeList(errs)
	if err != nil {
		return err
	}
	warnList, err := encodeOutcomeList(warnings)
	if err != nil {
		return err
	}
	return s.updateFile(ctx, "end fetch", filename, map[string]any{
		"fetch_finish":   s.now(),
		"fetch_success":  boolInt(len(errs) == 0),
		"fetch_errors":   errList,
		"fetch_warnings": warnList,
	})
}

// MarkDelivered records a delivery attempt: an empty deliveryErr means success.
func (s *Store) MarkDelivered(ctx context.Context, filename string, deliveryErr string) error {
	set := map[string]any{
		"delivered_at":   s.now(),
		"delivery_error": nil,
	}
	if deliveryErr != "" {
		set = map[string]any{
			"delivered_at":   nil,
			"delivery_error": deliveryErr,
		}
	}
	return s.updateFile(ctx, "mark delivered", filename, set)
}

// UndeliveredFiles returns attempted rows whose downstream delivery is missing or failed.
func (s *Store) UndeliveredFiles(ctx context.Context) ([]harvest.FileStatus, error) {
	return s.listFiles(ctx, sq.And{
		sq.NotEq{"fetch_errors": nil},
		sq.Eq{"delivered_at": nil},
	})
}

// RewindFailedFiles deletes every row that is not marked successful and
// resets both phase outcomes so the next gather can reconstruct them.
func (s *Store) RewindFailedFiles(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := txExec(ctx, tx, sq.Delete(fileTable).Where(sq.Eq{"fetch_success": 0}))
		if err != nil {
			return fmt.Errorf("delete unsuccessful files: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("delete unsuccessful files: %w", err)
		}
		_, err = txExec(ctx, tx, sq.Update(sessionTable).SetMap(map[string]any{
			"gather_success":    nil,
			"gather_finish":     nil,
			"gather_error":      nil,
			"gather_stacktrace": nil,
			"fetch_success":     nil,
			"fetch_finish":      nil,
			"end_delivered_at":  nil,
		}).Where(sq.Eq{"id": sessionRowID}))
		if err != nil {
			return fmt.Errorf("reset session outcome: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("rewound unsuccessful files", zap.Int64("deleted", deleted))
	return deleted, nil
}

// Snapshot returns the session, its stats and every file row.
func (s *Store) Snapshot(ctx context.Context) (harvest.Snapshot, error) {
	sess, err := s.Session(ctx)
	if err != nil {
		return harvest.Snapshot{}, err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return harvest.Snapshot{}, err
	}
	files, err := s.listFiles(ctx, nil)
	if err != nil {
		return harvest.Snapshot{}, err
	}
	return harvest.Snapshot{Session: sess, Stats: stats, Files: files}, nil
}

func (s *Store) listFiles(ctx context.Context, where sq.Sqlizer) ([]harvest.FileStatus, error) {
	b := sq.Select(fileColumns...).From(fileTable).OrderBy("priority DESC", "filename DESC")
	if where != nil {
		b = b.Where(where)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := []harvest.FileStatus{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return files, nil
}

func (s *Store) updateFile(ctx context.Context, op, filename string, set map[string]any) error {
	res, err := s.exec(ctx, sq.Update(fileTable).SetMap(set).Where(sq.Eq{"filename": filename}))
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, filename, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, filename, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, filename, harvest.ErrFileNotFound)
	}
	return nil
}
