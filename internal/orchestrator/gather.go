package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/metrics"
)

// errInvalidDescriptor marks a descriptor a plugin should never have produced.
var errInvalidDescriptor = errors.New("invalid file descriptor")

// Gather enumerates the source and records every descriptor. It is a no-op
// once gather has succeeded. A failure of enumeration or a clash aborts the
// phase; descriptors inserted before the failure are kept.
func (o *Orchestrator) Gather(ctx context.Context) (err error) {
	sess, err := o.store.Session(ctx)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if sess.GatherState() == harvest.PhaseSucceeded {
		o.logger.Info("gather already succeeded", zap.String("data_version", sess.DataVersion))
		return nil
	}

	ctx, span := o.startSpan(ctx, "harvest.gather", attribute.String("harvest.data_version", sess.DataVersion))
	defer func() { endSpan(span, err) }()

	if err := o.store.BeginGather(ctx); err != nil {
		return fmt.Errorf("begin gather: %w", err)
	}
	o.logger.Info("gather started", zap.String("data_version", sess.DataVersion))

	descs, err := guard(func() ([]harvest.FileDescriptor, error) { return o.source.Enumerate(ctx) })
	if err != nil {
		return o.failGather(ctx, sess, fmt.Errorf("enumerate: %w", err), stackOf(err))
	}

	added := 0
	for _, desc := range descs {
		inserted, err := o.admit(ctx, desc)
		if err != nil {
			return o.failGather(ctx, sess, err, string(debug.Stack()))
		}
		if inserted {
			added++
		}
	}

	if err := o.store.EndGather(ctx, true, "", ""); err != nil {
		return fmt.Errorf("end gather: %w", err)
	}
	metrics.ObservePhase(o.source.Name(), "gather", true)
	o.logger.Info("gather succeeded",
		zap.String("data_version", sess.DataVersion),
		zap.Int("descriptors", len(descs)),
		zap.Int("added", added),
	)
	o.emit(ctx, sess, harvest.EventGatherDone, "", true, fmt.Sprintf("%d files discovered", len(descs)))
	o.report(ctx)
	return nil
}

func (o *Orchestrator) failGather(ctx context.Context, sess harvest.Session, cause error, stack string) error {
	gerr := &harvest.GatherError{Source: o.source.Name(), Err: cause, Stacktrace: stack}
	metrics.ObservePhase(o.source.Name(), "gather", false)
	o.logger.Error("gather failed", zap.String("data_version", sess.DataVersion), zap.Error(cause))
	if err := o.store.EndGather(ctx, false, cause.Error(), stack); err != nil {
		return errors.Join(gerr, fmt.Errorf("record gather failure: %w", err))
	}
	o.emit(ctx, sess, harvest.EventGatherDone, "", false, cause.Error())
	o.report(ctx)
	return gerr
}

// admit applies the clash rule: a new filename is inserted, a known filename
// must carry identical metadata. It reports whether a row was inserted.
func (o *Orchestrator) admit(ctx context.Context, desc harvest.FileDescriptor) (bool, error) {
	desc = desc.Normalized()
	if err := validate(desc); err != nil {
		return false, err
	}
	has, err := o.store.HasFile(ctx, desc.Filename)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", desc.Filename, err)
	}
	if has {
		match, err := o.store.FilesMatch(ctx, desc.Filename, desc)
		if err != nil {
			return false, fmt.Errorf("compare %s: %w", desc.Filename, err)
		}
		if match {
			return false, nil
		}
		stored, err := o.store.GetFile(ctx, desc.Filename)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", desc.Filename, err)
		}
		return false, &harvest.ClashError{Filename: desc.Filename, Stored: stored.FileDescriptor, Incoming: desc}
	}
	if err := o.store.AddFile(ctx, desc); err != nil {
		return false, fmt.Errorf("add %s: %w", desc.Filename, err)
	}
	return true, nil
}

func validate(desc harvest.FileDescriptor) error {
	switch {
	case desc.Filename == "":
		return fmt.Errorf("%w: empty filename for url %q", errInvalidDescriptor, desc.URL)
	case desc.URL == "":
		return fmt.Errorf("%w: empty url for %q", errInvalidDescriptor, desc.Filename)
	case !desc.DataType.Valid():
		return fmt.Errorf("%w: unknown data type %q for %q", errInvalidDescriptor, desc.DataType, desc.Filename)
	}
	return nil
}

func stackOf(err error) string {
	var perr *harvest.PanicError
	if errors.As(err, &perr) {
		return perr.Stacktrace
	}
	return string(debug.Stack())
}
