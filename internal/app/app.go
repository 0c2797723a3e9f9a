// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/catalog"
	"github.com/JakeFAU/procurement-harvester/internal/clock"
	"github.com/JakeFAU/procurement-harvester/internal/config"
	"github.com/JakeFAU/procurement-harvester/internal/downstream"
	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/network"
	"github.com/JakeFAU/procurement-harvester/internal/notify"
	"github.com/JakeFAU/procurement-harvester/internal/notify/pubsub"
	"github.com/JakeFAU/procurement-harvester/internal/orchestrator"
	"github.com/JakeFAU/procurement-harvester/internal/source"
	"github.com/JakeFAU/procurement-harvester/internal/state"
	"github.com/JakeFAU/procurement-harvester/internal/storage"
	"github.com/JakeFAU/procurement-harvester/internal/storage/gcs"
	"github.com/JakeFAU/procurement-harvester/internal/storage/local"
	"github.com/JakeFAU/procurement-harvester/internal/telemetry"
	"github.com/JakeFAU/procurement-harvester/internal/workspace"
)

// App holds the services shared by every session a command opens: the
// fetcher, the downstream publisher and the optional archive, notification
// and catalog backends. It is built once per process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	ws        *workspace.Workspace
	clock     harvest.Clock
	fetcher   *network.Fetcher
	publisher *downstream.Publisher
	archiver  harvest.Archiver
	notifier  harvest.Notifier
	reporter  harvest.Reporter
	closers   []func() error
}

// Option customises an App.
type Option func(*App)

// WithClock overrides the clock used to stamp new data versions.
func WithClock(c harvest.Clock) Option {
	return func(a *App) {
		if c != nil {
			a.clock = c
		}
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Workspace returns the data directory.
func (a *App) Workspace() *workspace.Workspace { return a.ws }

// Publisher returns the downstream publisher. It may be disabled.
func (a *App) Publisher() *downstream.Publisher { return a.publisher }

// NewApp builds every configured backend and fails fast if one cannot be
// reached. Backends that are not configured are left out.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, err := workspace.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		ws:     ws,
		clock:  clock.System{},
	}
	a.fetcher = network.New(fetcherConfig(cfg.Network), network.WithLogger(logger))
	for _, opt := range opts {
		opt(a)
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("data_dir", ws.Root()),
		zap.Bool("downstream", a.publisher.Enabled()),
		zap.String("archive", cfg.Archive.Kind),
		zap.Bool("catalog", a.reporter != nil),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, shutdownWith(tp))
	}

	pub, err := downstream.New(downstream.Config{
		URL:     cfg.Downstream.URL,
		APIKey:  cfg.Downstream.APIKey,
		Timeout: time.Duration(cfg.Downstream.TimeoutSeconds) * time.Second,
		Note:    cfg.Downstream.Note,
	}, downstream.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("init downstream: %w", err)
	}
	a.publisher = pub

	if err := a.initArchive(ctx); err != nil {
		return err
	}
	if err := a.initNotify(ctx); err != nil {
		return err
	}
	if cfg.Catalog.DSN != "" {
		cat, err := catalog.New(ctx, catalog.Config{
			DSN:      cfg.Catalog.DSN,
			Table:    cfg.Catalog.Table,
			MaxConns: cfg.Catalog.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("init catalog: %w", err)
		}
		a.closers = append(a.closers, func() error { cat.Close(); return nil })
		if err := cat.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init catalog: %w", err)
		}
		a.reporter = cat
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	var (
		blobs storage.BlobStore
		err   error
	)
	switch a.cfg.Archive.Kind {
	case config.ArchiveNone:
		return nil
	case config.ArchiveLocal:
		blobs, err = local.New(local.Config{BaseDir: a.cfg.Archive.LocalDir})
	case config.ArchiveGCS:
		var store *gcs.BlobStore
		var closeFn func() error
		store, closeFn, err = gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err == nil {
			a.closers = append(a.closers, closeFn)
			blobs = store
		}
	default:
		return fmt.Errorf("unknown archive kind %q", a.cfg.Archive.Kind)
	}
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	arch, err := storage.NewArchiver(blobs, a.cfg.Archive.Prefix)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	a.archiver = arch
	return nil
}

func (a *App) initNotify(ctx context.Context) error {
	var targets notify.Multi
	if a.cfg.Notify.LogEvents {
		targets = append(targets, notify.NewLog(a.logger))
	}
	if a.cfg.Notify.PubSubTopic != "" {
		n, err := pubsub.Open(ctx, a.cfg.Notify.PubSubProject, a.cfg.Notify.PubSubTopic, a.logger)
		if err != nil {
			return fmt.Errorf("init pubsub notifier: %w", err)
		}
		a.closers = append(a.closers, n.Close)
		targets = append(targets, n)
	}
	if len(targets) > 0 {
		a.notifier = targets
	}
	return nil
}

// SessionOptions selects which session of a source to open.
type SessionOptions struct {
	Sample      bool
	Resume      bool
	DataVersion string
}

// Session is one opened source session: its directory, store and orchestrator.
type Session struct {
	Dir          workspace.Session
	Store        *state.Store
	Orchestrator *orchestrator.Orchestrator
}

// Close releases the session store.
func (s *Session) Close() error {
	return s.Store.Close()
}

// OpenSession resolves the data version of a configured source, opens its
// store and wires an orchestrator over the shared services.
func (a *App) OpenSession(ctx context.Context, name string, opts SessionOptions) (*Session, error) {
	srcCfg, ok := a.cfg.Source(name)
	if !ok {
		return nil, fmt.Errorf("source %q is not configured", name)
	}
	logger := a.logger.With(zap.String("source", name))
	plugin, err := source.New(name, srcCfg, opts.Sample, source.Deps{
		Downloader: a.fetcher,
		HTTPClient: &http.Client{Timeout: a.cfg.Network.Timeout()},
		UserAgent:  a.cfg.Network.UserAgent,
		Timeout:    a.cfg.Network.Timeout(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	dir, err := a.ws.Open(name, opts.Sample, workspace.Selection{DataVersion: opts.DataVersion, Resume: opts.Resume}, a.clock.Now())
	if err != nil {
		return nil, err
	}
	store, err := state.Open(ctx, dir.StorePath(), state.SessionInfo{
		Source:      name,
		BaseURL:     srcCfg.BaseURL,
		Sample:      opts.Sample,
		DataVersion: dir.DataVersion,
	}, state.WithClock(a.clock), state.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(plugin, store, a.fetcher, orchestrator.Config{
		FilesDir: dir.FilesDir(),
		FailFast: a.cfg.Downstream.FailFast,
	},
		orchestrator.WithPublisher(a.publisher),
		orchestrator.WithArchiver(a.archiver),
		orchestrator.WithNotifier(a.notifier),
		orchestrator.WithReporter(a.reporter),
		orchestrator.WithClock(a.clock),
		orchestrator.WithLogger(a.logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("opened session", zap.String("data_version", dir.DataVersion), zap.Bool("sample", opts.Sample), zap.String("dir", dir.Dir))
	return &Session{Dir: dir, Store: store, Orchestrator: orch}, nil
}

// Close shuts down every backend in reverse order of creation and flushes the logger.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error shutting down application services", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func fetcherConfig(n config.NetworkConfig) network.Config {
	return network.Config{
		Timeout:           n.Timeout(),
		MaxAttempts:       n.MaxAttempts,
		RetryDelay:        n.RetryDelay(),
		UserAgent:         n.UserAgent,
		ChunkSize:         n.ChunkSize,
		MaxRedirects:      n.MaxRedirects,
		RequestsPerSecond: n.RequestsPerSecond,
		Burst:             n.Burst,
	}
}

func shutdownWith(tp *sdktrace.TracerProvider) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
}
