// Package source holds the publisher plugins and the static table that builds
// them from configuration.
package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/config"
	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// DefaultSampleSize bounds a sample run when the source sets no sample_size.
const DefaultSampleSize = 10

// Plugin kinds.
const (
	KindStatic    = "static"
	KindPaginated = "paginated"
	KindHTMLIndex = "htmlindex"
)

// Deps are the collaborators plugins may use.
type Deps struct {
	Downloader harvest.Downloader
	// HTTPClient is used for token requests and index crawling. Nil means http.DefaultClient.
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Factory builds one plugin.
type Factory func(b base) (harvest.Source, error)

var registry = map[string]Factory{
	KindStatic:    newStatic,
	KindPaginated: newPaginated,
	KindHTMLIndex: newHTMLIndex,
}

// Kinds lists the registered plugin kinds.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the plugin for a configured source.
func New(name string, cfg config.SourceConfig, sample bool, deps Deps) (harvest.Source, error) {
	factory, ok := registry[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown kind %q (want one of %s)", name, cfg.Kind, strings.Join(Kinds(), ", "))
	}
	if deps.Downloader == nil {
		return nil, fmt.Errorf("source %s: downloader is required", name)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	dataType := harvest.DataType(cfg.DataType)
	if dataType == "" {
		dataType = harvest.DataTypeReleasePackage
	}
	if !dataType.Valid() {
		return nil, fmt.Errorf("source %s: unknown data_type %q", name, cfg.DataType)
	}
	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	src, err := factory(base{
		name:     name,
		cfg:      cfg,
		sample:   sample,
		dataType: dataType,
		header:   header,
		deps:     deps,
		logger:   deps.Logger.Named("source").With(zap.String("source", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}
	return src, nil
}

// base carries what every plugin shares and provides the default fetch.
type base struct {
	name     string
	cfg      config.SourceConfig
	sample   bool
	dataType harvest.DataType
	header   http.Header
	deps     Deps
	logger   *zap.Logger
}

// Name returns the configured source name.
func (b *base) Name() string { return b.name }

// sampleSize is the file budget of a sample run, zero when not sampling.
func (b *base) sampleSize() int {
	if !b.sample {
		return 0
	}
	if b.cfg.SampleSize > 0 {
		return b.cfg.SampleSize
	}
	return DefaultSampleSize
}

func (b *base) limit(descs []harvest.FileDescriptor) []harvest.FileDescriptor {
	if n := b.sampleSize(); n > 0 && len(descs) > n {
		return descs[:n]
	}
	return descs
}

// download is the default fetch: the file URL written to dest with the source headers.
func (b *base) download(ctx context.Context, file harvest.FileDescriptor, dest string, header http.Header) harvest.DownloadResult {
	if header == nil {
		header = b.header
	}
	return b.deps.Downloader.Download(ctx, harvest.DownloadRequest{
		URL:           file.URL,
		Dest:          dest,
		Header:        header,
		SkipTLSVerify: b.cfg.SkipTLSVerify,
		NoSanitize:    b.cfg.NoSanitize,
	})
}

func outcomeOf(res harvest.DownloadResult) harvest.FetchOutcome {
	return harvest.FetchOutcome{Errors: res.Errors, Warnings: res.Warnings}
}
