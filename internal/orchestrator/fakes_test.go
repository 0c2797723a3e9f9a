package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-harvester/internal/clock"
	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/state"
)

// enumSource only enumerates; fetching falls back to the downloader.
type enumSource struct {
	mu    sync.Mutex
	descs []harvest.FileDescriptor
	err   error
	panic any
	calls int
}

func (s *enumSource) Name() string { return "example" }

func (s *enumSource) Enumerate(context.Context) ([]harvest.FileDescriptor, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panic != nil {
		panic(s.panic)
	}
	return s.descs, s.err
}

// fetchSource adds a plugin fetch.
type fetchSource struct {
	*enumSource
	fetch   func(ctx context.Context, d harvest.FileDescriptor, dest string) (harvest.FetchOutcome, error)
	mu      sync.Mutex
	fetched []string
}

func (s *fetchSource) Fetch(ctx context.Context, d harvest.FileDescriptor, dest string) (harvest.FetchOutcome, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, d.Filename)
	s.mu.Unlock()
	return s.fetch(ctx, d, dest)
}

func (s *fetchSource) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

type fakeDownloader struct {
	mu       sync.Mutex
	requests []harvest.DownloadRequest
	failures map[string][]string
}

func (d *fakeDownloader) Download(_ context.Context, req harvest.DownloadRequest) harvest.DownloadResult {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	errs := d.failures[req.URL]
	d.mu.Unlock()
	if len(errs) > 0 {
		return harvest.DownloadResult{Errors: errs}
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o750); err != nil {
		return harvest.DownloadResult{Errors: []string{err.Error()}}
	}
	if err := os.WriteFile(req.Dest, []byte(`{"url":"`+req.URL+`"}`), 0o600); err != nil {
		return harvest.DownloadResult{Errors: []string{err.Error()}}
	}
	return harvest.DownloadResult{StatusCode: 200}
}

func (d *fakeDownloader) urls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r.URL)
	}
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	published []harvest.PublishRequest
	ends      int
	fail      map[string]error
	endErr    error
}

func (p *fakePublisher) Enabled() bool { return true }

func (p *fakePublisher) Publish(_ context.Context, req harvest.PublishRequest) (harvest.DeliveryKind, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[req.File.Filename]; err != nil {
		return harvest.DeliveryFile, err
	}
	p.published = append(p.published, req)
	if req.File.DataType.IsMeta() {
		return harvest.DeliverySkipped, nil
	}
	if len(req.Errors) > 0 {
		return harvest.DeliveryErrors, nil
	}
	return harvest.DeliveryFile, nil
}

func (p *fakePublisher) PublishEndOfSession(context.Context, harvest.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endErr != nil {
		return p.endErr
	}
	p.ends++
	return nil
}

func (p *fakePublisher) setFailure(filename string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		p.fail = map[string]error{}
	}
	if err == nil {
		delete(p.fail, filename)
		return
	}
	p.fail[filename] = err
}

func (p *fakePublisher) filenames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, r := range p.published {
		out = append(out, r.File.Filename)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []harvest.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e harvest.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) kinds() []harvest.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]harvest.EventKind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingReporter struct {
	mu        sync.Mutex
	summaries []harvest.Summary
}

func (r *recordingReporter) Report(_ context.Context, s harvest.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recordingReporter) last() harvest.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaries[len(r.summaries)-1]
}

type memoryArchiver struct {
	mu   sync.Mutex
	objs map[string]string
	err  error
}

func (a *memoryArchiver) Archive(_ context.Context, s harvest.Session, f harvest.FileStatus, body io.Reader) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objs == nil {
		a.objs = map[string]string{}
	}
	key := s.Source + "/" + s.DataVersion + "/" + f.Filename
	a.objs[key] = string(data)
	return key, nil
}

type harness struct {
	store *state.Store
	dir   string
}

func newHarness(t *testing.T) harness {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(context.Background(), filepath.Join(dir, state.Filename), state.SessionInfo{
		Source:      "example",
		BaseURL:     "https://example.com",
		DataVersion: "2024-01-02-03-04-05",
	}, state.WithClock(clock.NewStepping(time.Unix(1700000000, 0), time.Second)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return harness{store: st, dir: dir}
}

func (h harness) orchestrator(t *testing.T, src harvest.Source, dl harvest.Downloader, opts ...Option) *Orchestrator {
	t.Helper()
	return h.orchestratorWith(t, src, dl, Config{FilesDir: filepath.Join(h.dir, "files")}, opts...)
}

func (h harness) orchestratorWith(t *testing.T, src harvest.Source, dl harvest.Downloader, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithClock(clock.NewStepping(time.Unix(1700000000, 0), time.Second))}, opts...)
	o, err := New(src, h.store, dl, cfg, opts...)
	require.NoError(t, err)
	return o
}

func desc(name, url string, prio int) harvest.FileDescriptor {
	return harvest.FileDescriptor{Filename: name, URL: url, DataType: harvest.DataTypeReleasePackage, Priority: prio}
}
