// Package downstream forwards fetched files to the ingestion service over its
// form-encoded HTTP protocol.
package downstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/id/uuid"
	"github.com/JakeFAU/procurement-harvester/internal/metrics"
)

// Endpoint paths relative to the configured base URL.
const (
	PathFileErrors = "submit/file_errors/"
	PathItem       = "submit/item/"
	PathFile       = "submit/file/"
	PathEnd        = "submit/end_collection_store/"
)

// Config controls the downstream client.
type Config struct {
	// URL is the service base URL. Delivery is disabled when empty.
	URL     string
	APIKey  string
	Timeout time.Duration
	Note    string
}

// Publisher implements harvest.Publisher.
type Publisher struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	logger *zap.Logger
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New builds a Publisher. An empty cfg.URL yields a disabled publisher.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	p := &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("downstream")
	if cfg.URL == "" {
		return p, nil
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse downstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("downstream url %q must be absolute", cfg.URL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	p.base = base
	return p, nil
}

// Enabled reports whether a downstream URL is configured.
func (p *Publisher) Enabled() bool { return p.base != nil }

// Publish dispatches one file outcome. Meta files are never published; files
// with errors produce an error report; line-delimited files are posted one
// line at a time; everything else is uploaded whole.
func (p *Publisher) Publish(ctx context.Context, req harvest.PublishRequest) (harvest.DeliveryKind, error) {
	if !p.Enabled() {
		return harvest.DeliveryDisabled, nil
	}
	dataType := req.File.DataType
	switch {
	case dataType.IsMeta():
		return harvest.DeliverySkipped, nil
	case len(req.Errors) > 0:
		err := p.publishErrors(ctx, req)
		metrics.ObserveDelivery(string(harvest.DeliveryErrors), err)
		return harvest.DeliveryErrors, err
	case dataType.IsLineDelimited():
		err := p.publishItems(ctx, req)
		metrics.ObserveDelivery(string(harvest.DeliveryItems), err)
		return harvest.DeliveryItems, err
	default:
		err := p.publishFile(ctx, req)
		metrics.ObserveDelivery(string(harvest.DeliveryFile), err)
		return harvest.DeliveryFile, err
	}
}

// PublishEndOfSession posts the end-of-collection marker.
func (p *Publisher) PublishEndOfSession(ctx context.Context, session harvest.Session) error {
	if !p.Enabled() {
		return nil
	}
	err := p.postForm(ctx, PathEnd, sessionFields(session))
	metrics.ObserveDelivery("end_collection", err)
	return err
}

func sessionFields(s harvest.Session) url.Values {
	return url.Values{
		"source":       {s.Source},
		"data_version": {s.DataVersion},
		"sample":       {strconv.FormatBool(s.Sample)},
	}
}

func (p *Publisher) fileFields(req harvest.PublishRequest) url.Values {
	v := sessionFields(req.Session)
	v.Set("file_name", req.File.Filename)
	v.Set("url", req.File.URL)
	return v
}

func (p *Publisher) publishErrors(ctx context.Context, req harvest.PublishRequest) error {
	encoded, err := json.Marshal(req.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	v := p.fileFields(req)
	v.Set("errors", string(encoded))
	return p.postForm(ctx, PathFileErrors, v)
}

// lineReader decodes r from the file's declared character set so posted items
// are always UTF-8. UTF-8 input is passed through untouched.
func lineReader(r io.Reader, label string) (*bufio.Reader, error) {
	label = strings.TrimSpace(label)
	if label == "" || strings.EqualFold(label, harvest.DefaultEncoding) || strings.EqualFold(label, "utf8") {
		return bufio.NewReader(r), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	return bufio.NewReader(transform.NewReader(r, enc.NewDecoder())), nil
}

func (p *Publisher) publishItems(ctx context.Context, req harvest.PublishRequest) error {
	f, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.Path, err)
	}
	defer f.Close()

	r, err := lineReader(f, req.File.Encoding)
	if err != nil {
		return err
	}
	packageType := string(req.File.DataType.PackageType())
	for number := 0; ; number++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read %s: %w", req.Path, readErr)
		}
		if data := bytes.TrimRight(line, "\r\n"); len(bytes.TrimSpace(data)) > 0 {
			v := p.fileFields(req)
			v.Set("data_type", packageType)
			v.Set("number", strconv.Itoa(number))
			v.Set("data", string(data))
			v.Set("note", p.cfg.Note)
			if err := p.postForm(ctx, PathItem, v); err != nil {
				return fmt.Errorf("line %d: %w", number, err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

// publishFile streams a multipart upload of the whole file; the body is
// produced by a writer goroutine so the file is never held in memory.
func (p *Publisher) publishFile(ctx context.Context, req harvest.PublishRequest) error {
	f, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.Path, err)
	}

	fields := p.fileFields(req)
	fields.Set("data_type", string(req.File.DataType))
	fields.Set("encoding", req.File.Encoding)
	fields.Set("note", p.cfg.Note)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	writeErr := make(chan error, 1)
	go func() {
		defer f.Close()
		err := writeMultipart(mw, fields, filepath.Base(req.Path), f)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	postErr := p.post(ctx, PathFile, mw.FormDataContentType(), pr)
	// Unblocks the writer if the request ended before the body was consumed.
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err := <-writeErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("stream %s: %w", req.Path, err)
	}
	return postErr
}

func writeMultipart(mw *multipart.Writer, fields url.Values, name string, src io.Reader) error {
	for key, values := range fields {
		for _, value := range values {
			if err := mw.WriteField(key, value); err != nil {
				return fmt.Errorf("write field %s: %w", key, err)
			}
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}
	return nil
}

func (p *Publisher) postForm(ctx context.Context, path string, values url.Values) error {
	return p.post(ctx, path, "application/x-www-form-urlencoded", strings.NewReader(values.Encode()))
}

func (p *Publisher) post(ctx context.Context, path, contentType string, body io.Reader) error {
	endpoint := p.base.ResolveReference(&url.URL{Path: path}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "ApiKey "+p.cfg.APIKey)
	req.Header.Set("X-Request-ID", uuid.NewID())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		p.logger.Warn("downstream rejected request",
			zap.String("endpoint", path),
			zap.Int("status", resp.StatusCode),
		)
		return &harvest.DownstreamError{Endpoint: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ harvest.Publisher = (*Publisher)(nil)
