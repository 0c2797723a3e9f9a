package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/metrics"
)

// Fetch drains the pending queue one file at a time, then finalises the
// phase and sends the end-of-collection marker. It is a no-op once fetch has
// succeeded and refuses to start before a successful gather. A cancelled
// context stops the loop between files and leaves the phase open for resume.
func (o *Orchestrator) Fetch(ctx context.Context) (err error) {
	sess, err := o.store.Session(ctx)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if sess.FetchState() == harvest.PhaseSucceeded {
		o.logger.Info("fetch already succeeded", zap.String("data_version", sess.DataVersion))
		return nil
	}
	if sess.GatherState() != harvest.PhaseSucceeded {
		reason := "gather has not run"
		if sess.GatherError != "" {
			reason = "gather failed: " + sess.GatherError
		}
		return fmt.Errorf("%w (%s)", harvest.ErrGatherNotSucceeded, reason)
	}

	ctx, span := o.startSpan(ctx, "harvest.fetch", attribute.String("harvest.data_version", sess.DataVersion))
	defer func() { endSpan(span, err) }()

	if err := o.store.BeginFetchPhase(ctx); err != nil {
		return fmt.Errorf("begin fetch phase: %w", err)
	}
	o.logger.Info("fetch started", zap.String("data_version", sess.DataVersion))
	o.updatePending(ctx)

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("fetch interrupted", zap.Int("processed", processed), zap.Error(err))
			return fmt.Errorf("fetch interrupted: %w", err)
		}
		file, found, err := o.store.NextPendingFile(ctx)
		if err != nil {
			return fmt.Errorf("next pending file: %w", err)
		}
		if !found {
			break
		}
		if err := o.processFile(ctx, sess, file); err != nil {
			return err
		}
		processed++
	}

	success, err := o.store.EndFetchPhase(ctx)
	if err != nil {
		return fmt.Errorf("end fetch phase: %w", err)
	}
	metrics.ObservePhase(o.source.Name(), "fetch", success)
	o.updatePending(ctx)
	o.logger.Info("fetch finished",
		zap.String("data_version", sess.DataVersion),
		zap.Int("processed", processed),
		zap.Bool("success", success),
	)

	if _, err := o.deliverEnd(ctx); err != nil && o.cfg.FailFast {
		return err
	}
	o.emit(ctx, sess, harvest.EventFetchDone, "", success, fmt.Sprintf("%d files processed", processed))
	o.report(ctx)
	return nil
}

// processFile fetches one row and commits its outcome. Plugin failures become
// file-level errors; only store failures, cancellation and fail-fast delivery
// errors are returned.
func (o *Orchestrator) processFile(ctx context.Context, sess harvest.Session, file harvest.FileStatus) (err error) {
	ctx, span := o.startSpan(ctx, "harvest.fetch_file", attribute.String("harvest.filename", file.Filename))
	defer func() { endSpan(span, err) }()

	log := o.logger.With(zap.String("filename", file.Filename), zap.String("url", file.URL))
	if err := o.store.BeginFetch(ctx, file.Filename); err != nil {
		return fmt.Errorf("begin fetch %s: %w", file.Filename, err)
	}

	var (
		errs     []string
		warnings []string
	)
	dest, pathErr := o.filePath(file.Filename)
	if pathErr != nil {
		errs = append(errs, pathErr.Error())
	} else {
		outcome, fetchErr := o.fetchOne(ctx, file.FileDescriptor, dest)
		if ctx.Err() != nil {
			// Leave the row pending so the next run retries it.
			return fmt.Errorf("fetch %s interrupted: %w", file.Filename, ctx.Err())
		}
		errs = append(errs, outcome.Errors...)
		warnings = append(warnings, outcome.Warnings...)
		if fetchErr != nil {
			log.Error("plugin fetch failed", zap.Error(fetchErr))
			errs = append(errs, fetchErr.Error())
		}
		discoveryErrs, err := o.discover(ctx, file.Filename, outcome.AdditionalFiles)
		if err != nil {
			return err
		}
		errs = append(errs, discoveryErrs...)
		if len(errs) == 0 {
			warnings = append(warnings, o.archive(ctx, sess, file, dest)...)
		}
	}

	if err := o.store.EndFetch(ctx, file.Filename, errs, warnings); err != nil {
		return fmt.Errorf("end fetch %s: %w", file.Filename, err)
	}
	success := len(errs) == 0
	metrics.ObserveFile(o.source.Name(), success)
	if success {
		log.Info("file fetched", zap.Int("warnings", len(warnings)))
	} else {
		log.Warn("file failed", zap.Strings("errors", errs))
	}

	stored, err := o.store.GetFile(ctx, file.Filename)
	if err != nil {
		return fmt.Errorf("reload %s: %w", file.Filename, err)
	}
	if err := o.deliver(ctx, sess, stored, dest); err != nil && o.cfg.FailFast {
		return err
	}
	o.emit(ctx, sess, harvest.EventFileDone, file.Filename, success, "")
	return nil
}

// fetchOne calls the plugin's Fetch, or downloads the URL when the plugin has none.
func (o *Orchestrator) fetchOne(ctx context.Context, desc harvest.FileDescriptor, dest string) (harvest.FetchOutcome, error) {
	if fetcher, ok := o.source.(harvest.Fetcher); ok {
		return guard(func() (harvest.FetchOutcome, error) { return fetcher.Fetch(ctx, desc, dest) })
	}
	res := o.downloader.Download(ctx, harvest.DownloadRequest{URL: desc.URL, Dest: dest})
	return harvest.FetchOutcome{Errors: res.Errors, Warnings: res.Warnings}, nil
}

// discover admits files found while fetching. Clashes and malformed
// descriptors become errors of the producing file.
func (o *Orchestrator) discover(ctx context.Context, producer string, descs []harvest.FileDescriptor) ([]string, error) {
	var errs []string
	added := 0
	for _, desc := range descs {
		inserted, err := o.admit(ctx, desc)
		var clash *harvest.ClashError
		switch {
		case err == nil:
			if inserted {
				added++
			}
		case errors.As(err, &clash), errors.Is(err, errInvalidDescriptor):
			errs = append(errs, err.Error())
		default:
			return nil, err
		}
	}
	if added > 0 {
		o.logger.Debug("discovered files", zap.String("filename", producer), zap.Int("added", added))
	}
	return errs, nil
}

func (o *Orchestrator) archive(ctx context.Context, sess harvest.Session, file harvest.FileStatus, dest string) []string {
	if o.archiver == nil {
		return nil
	}
	f, err := os.Open(dest) //nolint:gosec // path validated by filePath
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return []string{fmt.Sprintf("archive skipped: %v", err)}
	}
	defer f.Close()
	key, err := o.archiver.Archive(ctx, sess, file, f)
	if err != nil {
		o.logger.Warn("archive failed", zap.String("filename", file.Filename), zap.Error(err))
		return []string{fmt.Sprintf("archive failed: %v", err)}
	}
	o.logger.Debug("archived file", zap.String("filename", file.Filename), zap.String("key", key))
	return nil
}

func (o *Orchestrator) updatePending(ctx context.Context) {
	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.Warn("read queue stats failed", zap.Error(err))
		return
	}
	metrics.SetPending(o.source.Name(), stats.Pending)
}
