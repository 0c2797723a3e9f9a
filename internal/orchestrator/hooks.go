package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/id/uuid"
)

// emit publishes a lifecycle event. Notification failures are logged only.
func (o *Orchestrator) emit(ctx context.Context, sess harvest.Session, kind harvest.EventKind, filename string, success bool, msg string) {
	if o.notifier == nil {
		return
	}
	event := harvest.Event{
		ID:          uuid.NewID(),
		Kind:        kind,
		Source:      sess.Source,
		DataVersion: sess.DataVersion,
		Sample:      sess.Sample,
		Filename:    filename,
		Success:     success,
		Message:     msg,
		At:          o.clock.Now(),
	}
	if err := o.notifier.Notify(ctx, event); err != nil {
		o.logger.Warn("notify failed", zap.String("event", string(kind)), zap.Error(err))
	}
}

// report mirrors the current session summary to the catalog. Failures are logged only.
func (o *Orchestrator) report(ctx context.Context) {
	if o.reporter == nil {
		return
	}
	sess, err := o.store.Session(ctx)
	if err != nil {
		o.logger.Warn("report skipped", zap.Error(err))
		return
	}
	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.Warn("report skipped", zap.Error(err))
		return
	}
	if err := o.reporter.Report(ctx, harvest.SummaryOf(sess, stats, o.clock.Now())); err != nil {
		o.logger.Warn("catalog report failed", zap.Error(err))
	}
}
