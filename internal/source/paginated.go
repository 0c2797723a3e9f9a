package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

const pageFilenameFormat = "page-%06d.json"

// paginated walks a JSON API page by page. Each page is one file; fetching a
// page discovers the next one through its links.next member.
type paginated struct {
	base
	tokens *tokenCache
}

func newPaginated(b base) (harvest.Source, error) {
	if b.cfg.BaseURL == "" {
		return nil, errors.New("paginated source needs base_url")
	}
	p := &paginated{base: b}
	if b.cfg.TokenURL != "" {
		p.tokens = &tokenCache{
			cfg: &clientcredentials.Config{
				ClientID:     b.cfg.ClientID,
				ClientSecret: b.cfg.ClientSecret,
				TokenURL:     b.cfg.TokenURL,
			},
			client: b.deps.HTTPClient,
		}
	}
	return p, nil
}

func (p *paginated) Enumerate(context.Context) ([]harvest.FileDescriptor, error) {
	return []harvest.FileDescriptor{p.page(p.cfg.BaseURL, 1)}, nil
}

func (p *paginated) Fetch(ctx context.Context, file harvest.FileDescriptor, dest string) (harvest.FetchOutcome, error) {
	res, err := p.get(ctx, file, dest)
	if err != nil {
		return harvest.FetchOutcome{}, err
	}
	out := outcomeOf(res)
	if len(out.Errors) > 0 {
		return out, nil
	}

	next, err := nextLink(dest, file.URL)
	if err != nil {
		out.Errors = append(out.Errors, err.Error())
		return out, nil
	}
	if next == "" {
		return out, nil
	}
	n := pageNumber(file.Filename)
	if limit := p.sampleSize(); limit > 0 && n >= limit {
		return out, nil
	}
	out.AdditionalFiles = append(out.AdditionalFiles, p.page(next, n+1))
	return out, nil
}

// get downloads with the cached token and retries once with a fresh token on 401.
func (p *paginated) get(ctx context.Context, file harvest.FileDescriptor, dest string) (harvest.DownloadResult, error) {
	if p.tokens == nil {
		return p.download(ctx, file, dest, nil), nil
	}
	header, err := p.authHeader(ctx, false)
	if err != nil {
		return harvest.DownloadResult{}, err
	}
	res := p.download(ctx, file, dest, header)
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}
	p.logger.Info("token rejected, refreshing", zap.String("url", file.URL))
	if header, err = p.authHeader(ctx, true); err != nil {
		return harvest.DownloadResult{}, err
	}
	return p.download(ctx, file, dest, header), nil
}

func (p *paginated) authHeader(ctx context.Context, refresh bool) (http.Header, error) {
	tok, err := p.tokens.get(ctx, refresh)
	if err != nil {
		return nil, err
	}
	header := p.header.Clone()
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return header, nil
}

func (p *paginated) page(rawURL string, n int) harvest.FileDescriptor {
	return harvest.NewFileDescriptor(fmt.Sprintf(pageFilenameFormat, n), rawURL, p.dataType)
}

func pageNumber(filename string) int {
	var n int
	if _, err := fmt.Sscanf(filename, pageFilenameFormat, &n); err != nil {
		return 1
	}
	return n
}

// nextLink reads links.next from a downloaded page and resolves it against the page URL.
func nextLink(path, pageURL string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path built from the session data directory
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	var body struct {
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	if body.Links.Next == "" {
		return "", nil
	}
	pageBase, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(body.Links.Next)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}
	return pageBase.ResolveReference(ref).String(), nil
}

// tokenCache holds the client-credentials token of one plugin instance.
type tokenCache struct {
	cfg    *clientcredentials.Config
	client *http.Client

	mu    sync.Mutex
	token *oauth2.Token
}

func (c *tokenCache) get(ctx context.Context, refresh bool) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !refresh && c.token.Valid() {
		return c.token, nil
	}
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	c.token = tok
	return tok, nil
}
