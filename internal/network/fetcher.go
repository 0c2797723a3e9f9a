// Package network implements the retrying HTTP layer used to download publisher files.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/metrics"
)

// Config controls request behaviour.
type Config struct {
	// Timeout bounds connecting and waiting for response headers on one attempt.
	Timeout      time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	UserAgent    string
	ChunkSize    int
	MaxRedirects int
	// RequestsPerSecond caps requests per host; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxAttempts:  3,
		RetryDelay:   500 * time.Millisecond,
		UserAgent:    "procurement-harvester/1.0",
		ChunkSize:    64 * 1024,
		MaxRedirects: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = d.MaxRedirects
	}
	return c
}

// Fetcher issues GET requests with a bounded retry budget.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	insecure *http.Client
	limiter  *hostLimiter
	logger   *zap.Logger
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithTransport replaces the transport of both clients. Used by tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.client.Transport = rt
		f.insecure.Transport = rt
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg:      cfg,
		client:   newClient(cfg, false),
		insecure: newClient(cfg, true),
		limiter:  newHostLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("network")
	return f
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config { return f.cfg }

// Get requests url and returns the response of the first successful attempt.
// The response is nil when every attempt failed; the error list then holds
// each distinct failure message once, in the order first seen. Callers must
// close the returned body.
func (f *Fetcher) Get(ctx context.Context, url string, header http.Header, skipTLSVerify bool) (*http.Response, []string) {
	resp, errs, _ := f.get(ctx, url, header, skipTLSVerify)
	return resp, errs
}

// get is Get that also reports the status of the last HTTP response seen, or
// zero when no attempt got one.
func (f *Fetcher) get(ctx context.Context, url string, header http.Header, skipTLSVerify bool) (*http.Response, []string, int) {
	client := f.client
	if skipTLSVerify {
		client = f.insecure
	}
	var (
		errs       errorList
		lastStatus int
	)
	host := metrics.SanitizeSite(url)

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx, url); err != nil {
			errs.add(fmt.Sprintf("request %s: %v", url, err))
			return nil, errs.items, lastStatus
		}
		resp, err := f.do(ctx, client, url, header)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			metrics.ObserveFetchAttempt(host, "ok")
			return resp, nil, resp.StatusCode
		}

		retry := true
		if err != nil {
			if ctx.Err() != nil {
				errs.add(fmt.Sprintf("request %s: %v", url, ctx.Err()))
				metrics.ObserveFetchAttempt(host, "canceled")
				return nil, errs.items, lastStatus
			}
			errs.add(err.Error())
			metrics.ObserveFetchAttempt(host, "transport_error")
		} else {
			_ = resp.Body.Close()
			lastStatus = resp.StatusCode
			errs.add(fmt.Sprintf("GET %s: unexpected status %s", url, resp.Status))
			retry = retryableStatus(resp.StatusCode)
			metrics.ObserveFetchAttempt(host, "http_"+statusClass(resp.StatusCode))
		}

		f.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.cfg.MaxAttempts),
			zap.Bool("retry", retry && attempt < f.cfg.MaxAttempts),
			zap.String("error", errs.last()),
		)
		if !retry || attempt == f.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
			errs.add(fmt.Sprintf("request %s: %v", url, err))
			break
		}
	}
	return nil, errs.items, lastStatus
}

func (f *Fetcher) do(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	return client.Do(req)
}

// retryableStatus reports whether a response status is worth another attempt.
// Other 4xx responses are recorded once and not retried.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errTooManyRedirects is returned by CheckRedirect once the redirect budget is spent.
var errTooManyRedirects = errors.New("too many redirects")

func newClient(cfg Config, skipTLSVerify bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per source
	}
	maxRedirects := cfg.MaxRedirects
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects: %w", maxRedirects, errTooManyRedirects)
			}
			return nil
		},
	}
}

// errorList accumulates distinct messages in first-seen order.
type errorList struct {
	items []string
	seen  map[string]struct{}
}

func (l *errorList) add(msg string) {
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	if _, ok := l.seen[msg]; ok {
		return
	}
	l.seen[msg] = struct{}{}
	l.items = append(l.items, msg)
}

func (l *errorList) last() string {
	if len(l.items) == 0 {
		return ""
	}
	return l.items[len(l.items)-1]
}

var _ harvest.Downloader = (*Fetcher)(nil)
