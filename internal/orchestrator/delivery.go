package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// ErrDeliveryDisabled is returned by Redeliver when no downstream service is configured.
var ErrDeliveryDisabled = errors.New("downstream delivery is not configured")

// RedeliverResult counts the outcome of a redelivery pass.
type RedeliverResult struct {
	Delivered    int  `json:"delivered"`
	Failed       int  `json:"failed"`
	EndDelivered bool `json:"end_delivered"`
}

// deliver publishes one committed file outcome and records the delivery on the row.
func (o *Orchestrator) deliver(ctx context.Context, sess harvest.Session, file harvest.FileStatus, path string) error {
	if !o.publisher.Enabled() {
		return nil
	}
	kind, err := guard(func() (harvest.DeliveryKind, error) {
		return o.publisher.Publish(ctx, harvest.PublishRequest{
			Session:  sess,
			File:     file,
			Path:     path,
			Errors:   file.FetchErrors,
			Warnings: file.FetchWarnings,
		})
	})
	log := o.logger.With(zap.String("filename", file.Filename), zap.String("delivery", string(kind)))
	if err != nil {
		log.Error("delivery failed", zap.Error(err))
		if markErr := o.store.MarkDelivered(ctx, file.Filename, err.Error()); markErr != nil {
			log.Error("record delivery failure", zap.Error(markErr))
		}
		return fmt.Errorf("deliver %s: %w", file.Filename, err)
	}
	if err := o.store.MarkDelivered(ctx, file.Filename, ""); err != nil {
		return fmt.Errorf("record delivery of %s: %w", file.Filename, err)
	}
	log.Debug("delivered")
	return nil
}

// deliverEnd sends the end-of-collection marker once per session. The marker
// is held back while any attempted file is still undelivered, so it is never
// sent ahead of a file that redeliver will post later. It reports whether the
// marker has been delivered.
func (o *Orchestrator) deliverEnd(ctx context.Context) (bool, error) {
	if !o.publisher.Enabled() {
		return false, nil
	}
	sess, err := o.store.Session(ctx)
	if err != nil {
		return false, fmt.Errorf("read session: %w", err)
	}
	if sess.EndDeliveredAt != nil {
		return false, nil
	}
	stats, err := o.store.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("read stats: %w", err)
	}
	if stats.Undelivered > 0 {
		o.logger.Warn("end-of-collection marker held back", zap.Int("undelivered", stats.Undelivered))
		return false, nil
	}
	if _, err := guard(func() (struct{}, error) { return struct{}{}, o.publisher.PublishEndOfSession(ctx, sess) }); err != nil {
		o.logger.Error("end-of-collection delivery failed", zap.Error(err))
		return false, fmt.Errorf("deliver end of collection: %w", err)
	}
	if err := o.store.MarkEndDelivered(ctx); err != nil {
		return false, fmt.Errorf("record end of collection: %w", err)
	}
	return true, nil
}

// Redeliver retries downstream delivery of every attempted file whose
// delivery is missing or failed, then the end-of-collection marker if the
// fetch phase has finished and the marker never got through.
func (o *Orchestrator) Redeliver(ctx context.Context) (RedeliverResult, error) {
	var res RedeliverResult
	if !o.publisher.Enabled() {
		return res, ErrDeliveryDisabled
	}
	sess, err := o.store.Session(ctx)
	if err != nil {
		return res, fmt.Errorf("read session: %w", err)
	}
	files, err := o.store.UndeliveredFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("list undelivered files: %w", err)
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("redeliver interrupted: %w", err)
		}
		dest, err := o.filePath(file.Filename)
		if err != nil {
			res.Failed++
			continue
		}
		if err := o.deliver(ctx, sess, file, dest); err != nil {
			res.Failed++
			if o.cfg.FailFast {
				return res, err
			}
			continue
		}
		res.Delivered++
	}

	if sess.FetchState() != harvest.PhaseNotRun && res.Failed == 0 {
		sent, err := o.deliverEnd(ctx)
		if err != nil {
			return res, err
		}
		res.EndDelivered = sent
	}
	o.logger.Info("redelivery finished",
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Bool("end_delivered", res.EndDelivered),
	)
	o.report(ctx)
	return res, nil
}
