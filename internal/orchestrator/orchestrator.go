// Package orchestrator drives one session through its gather and fetch phases.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/clock"
	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

const tracerName = "github.com/JakeFAU/procurement-harvester/internal/orchestrator"

// Config controls orchestrator behaviour.
type Config struct {
	// FilesDir is where fetched files are written, one per filename.
	FilesDir string
	// FailFast stops the fetch loop on the first downstream delivery failure.
	FailFast bool
}

// Orchestrator is the sole writer of a session's store.
type Orchestrator struct {
	source     harvest.Source
	store      harvest.Store
	downloader harvest.Downloader
	publisher  harvest.Publisher
	archiver   harvest.Archiver
	notifier   harvest.Notifier
	reporter   harvest.Reporter
	clock      harvest.Clock
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets the downstream publisher.
func WithPublisher(p harvest.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithArchiver copies successfully fetched files to long-term storage.
func WithArchiver(a harvest.Archiver) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.archiver = a
		}
	}
}

// WithNotifier publishes lifecycle events.
func WithNotifier(n harvest.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithReporter mirrors session summaries to a catalog.
func WithReporter(r harvest.Reporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithClock overrides the clock.
func WithClock(c harvest.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New constructs an Orchestrator. The downloader backs the default fetch of
// sources that do not implement harvest.Fetcher.
func New(source harvest.Source, store harvest.Store, downloader harvest.Downloader, cfg Config, opts ...Option) (*Orchestrator, error) {
	if source == nil {
		return nil, errors.New("orchestrator: source is required")
	}
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if downloader == nil {
		return nil, errors.New("orchestrator: downloader is required")
	}
	if cfg.FilesDir == "" {
		return nil, errors.New("orchestrator: files dir is required")
	}
	o := &Orchestrator{
		source:     source,
		store:      store,
		downloader: downloader,
		publisher:  disabledPublisher{},
		clock:      clock.System{},
		cfg:        cfg,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator").With(zap.String("source", source.Name()))
	return o, nil
}

// Run executes gather followed by fetch.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Gather(ctx); err != nil {
		return err
	}
	return o.Fetch(ctx)
}

// Status returns the full session view.
func (o *Orchestrator) Status(ctx context.Context) (harvest.Snapshot, error) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

// Rewind deletes every unsuccessful file row so the next gather can rebuild
// them. It returns the number of rows removed.
func (o *Orchestrator) Rewind(ctx context.Context) (int64, error) {
	deleted, err := o.store.RewindFailedFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("rewind: %w", err)
	}
	sess, err := o.store.Session(ctx)
	if err != nil {
		return deleted, fmt.Errorf("read session: %w", err)
	}
	o.logger.Info("rewound session", zap.String("data_version", sess.DataVersion), zap.Int64("deleted", deleted))
	o.emit(ctx, sess, harvest.EventRewind, "", true, fmt.Sprintf("%d rows removed", deleted))
	o.report(ctx)
	return deleted, nil
}

func (o *Orchestrator) filePath(filename string) (string, error) {
	if !filepath.IsLocal(filename) {
		return "", fmt.Errorf("filename %q escapes the session directory", filename)
	}
	return filepath.Join(o.cfg.FilesDir, filename), nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("harvest.source", o.source.Name()))
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// guard runs fn and converts a panic into a harvest.PanicError.
func guard[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &harvest.PanicError{Value: r, Stacktrace: string(debug.Stack())}
		}
	}()
	return fn()
}

type disabledPublisher struct{}

func (disabledPublisher) Enabled() bool { return false }

func (disabledPublisher) Publish(context.Context, harvest.PublishRequest) (harvest.DeliveryKind, error) {
	return harvest.DeliveryDisabled, nil
}

func (disabledPublisher) PublishEndOfSession(context.Context, harvest.Session) error { return nil }
