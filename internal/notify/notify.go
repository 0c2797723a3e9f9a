// Package notify delivers session lifecycle events to operators.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// Log writes every event to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a notifier that logs events.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("events")}
}

// Notify logs the event. It never fails.
func (l *Log) Notify(_ context.Context, event harvest.Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("source", event.Source),
		zap.String("data_version", event.DataVersion),
		zap.Bool("sample", event.Sample),
		zap.Bool("success", event.Success),
	}
	if event.Filename != "" {
		fields = append(fields, zap.String("filename", event.Filename))
	}
	if event.Message != "" {
		fields = append(fields, zap.String("message", event.Message))
	}
	l.logger.Info("session event", fields...)
	return nil
}

// Multi fans one event out to several notifiers.
type Multi []harvest.Notifier

// Notify calls every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, event harvest.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ harvest.Notifier = (*Log)(nil)
	_ harvest.Notifier = Multi(nil)
)
