package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

const (
	indexDataType       harvest.DataType = "meta_index"
	indexFilenameFormat                  = "index-%06d.html"
)

// htmlIndex scrapes data file links from an HTML listing. The first page is
// crawled during enumeration; further listing pages are queued as meta files
// and parsed when fetched.
type htmlIndex struct {
	base
}

func newHTMLIndex(b base) (harvest.Source, error) {
	if b.cfg.BaseURL == "" {
		return nil, errors.New("htmlindex source needs base_url")
	}
	if b.cfg.LinkSelector == "" {
		return nil, errors.New("htmlindex source needs link_selector")
	}
	return &htmlIndex{base: b}, nil
}

func (h *htmlIndex) Enumerate(ctx context.Context) ([]harvest.FileDescriptor, error) {
	var (
		links    []string
		next     string
		fetchErr error
	)
	c := colly.NewCollector(colly.Async(false))
	if h.deps.UserAgent != "" {
		c.UserAgent = h.deps.UserAgent
	}
	c.SetRequestTimeout(h.deps.Timeout)
	if h.deps.HTTPClient.Transport != nil {
		c.WithTransport(h.deps.HTTPClient.Transport)
	}
	c.OnRequest(func(r *colly.Request) {
		for key, values := range h.header {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	c.OnHTML(h.cfg.LinkSelector, func(e *colly.HTMLElement) {
		if u := e.Request.AbsoluteURL(e.Attr("href")); u != "" {
			links = append(links, u)
		}
	})
	if h.cfg.NextSelector != "" {
		c.OnHTML(h.cfg.NextSelector, func(e *colly.HTMLElement) {
			if next == "" {
				next = e.Request.AbsoluteURL(e.Attr("href"))
			}
		})
	}
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(h.cfg.BaseURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("crawl index canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("crawl index %s: %w", h.cfg.BaseURL, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("crawl index %s: %w", h.cfg.BaseURL, fetchErr)
		}
	}

	descs := h.limit(h.files(links))
	if next != "" && h.sampleSize() == 0 {
		descs = append(descs, h.indexPage(next, 2))
	}
	return descs, nil
}

func (h *htmlIndex) Fetch(ctx context.Context, file harvest.FileDescriptor, dest string) (harvest.FetchOutcome, error) {
	out := outcomeOf(h.download(ctx, file, dest, nil))
	if len(out.Errors) > 0 || !file.DataType.IsMeta() {
		return out, nil
	}

	links, next, err := h.parseIndex(dest, file.URL)
	if err != nil {
		out.Errors = append(out.Errors, err.Error())
		return out, nil
	}
	out.AdditionalFiles = h.files(links)
	if next != "" && h.sampleSize() == 0 {
		var n int
		if _, err := fmt.Sscanf(file.Filename, indexFilenameFormat, &n); err != nil {
			n = 1
		}
		out.AdditionalFiles = append(out.AdditionalFiles, h.indexPage(next, n+1))
	}
	return out, nil
}

func (h *htmlIndex) parseIndex(path, pageURL string) ([]string, string, error) {
	f, err := os.Open(path) //nolint:gosec // path built from the session data directory
	if err != nil {
		return nil, "", fmt.Errorf("open index page: %w", err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("parse index page: %w", err)
	}
	pageBase, err := url.Parse(pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse index url: %w", err)
	}
	resolve := func(s *goquery.Selection) string {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return ""
		}
		ref, err := url.Parse(href)
		if err != nil {
			return ""
		}
		return pageBase.ResolveReference(ref).String()
	}

	var links []string
	doc.Find(h.cfg.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		if u := resolve(s); u != "" {
			links = append(links, u)
		}
	})
	var next string
	if h.cfg.NextSelector != "" {
		next = resolve(doc.Find(h.cfg.NextSelector).First())
	}
	return links, next, nil
}

func (h *htmlIndex) files(links []string) []harvest.FileDescriptor {
	seen := make(map[string]struct{}, len(links))
	descs := make([]harvest.FileDescriptor, 0, len(links))
	for _, link := range links {
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		descs = append(descs, harvest.NewFileDescriptor(DeriveFilename(link), link, h.dataType))
	}
	return descs
}

func (h *htmlIndex) indexPage(rawURL string, n int) harvest.FileDescriptor {
	return harvest.NewFileDescriptor(fmt.Sprintf(indexFilenameFormat, n), rawURL, indexDataType)
}
