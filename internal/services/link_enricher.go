package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"knowledgeroute/internal/models"
	"knowledgeroute/internal/security"
)

// Link enrichment defaults
const (
	DefaultLinkMaxBytes     int64 = 2 * 1024 * 1024
	DefaultLinkFetchTimeout       = 10 * time.Second
	linkCacheTTL                  = time.Hour
	linkExcerptRunes              = 600
	maxLinkFetches                = 4
)

// LinkSummary is the extracted gist of a shared link
type LinkSummary struct {
	URL     string
	Title   string
	Excerpt string
}

// LinkEnricherConfig bounds link fetching
type LinkEnricherConfig struct {
	MaxBytes     int64
	Timeout      time.Duration
	MaxRedirects int
}

// LinkEnricher fetches shared links and extracts their main text so the
// classifier sees more than a bare URL
type LinkEnricher struct {
	client   *http.Client
	guard    *security.URLGuard
	robots   *RobotsChecker
	limiter  *FetchLimiter
	cache    *cache.Cache
	maxBytes int64
	timeout  time.Duration
}

// NewLinkEnricher creates an enricher; zero config values use the defaults
func NewLinkEnricher(guard *security.URLGuard, cfg LinkEnricherConfig) *LinkEnricher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultLinkMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLinkFetchTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMediaMaxRedirects
	}

	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	client := &http.Client{
		Transport:     transport,
		CheckRedirect: guard.RedirectPolicy(cfg.MaxRedirects),
	}

	return &LinkEnricher{
		client:   client,
		guard:    guard,
		robots:   NewRobotsChecker(linkUserAgent, &http.Client{Transport: transport, Timeout: cfg.Timeout}),
		limiter:  NewFetchLimiter(10),
		cache:    cache.New(linkCacheTTL, 10*time.Minute),
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.Timeout,
	}
}

const linkUserAgent = "KnowledgeRoute-Bot/1.0"

// Enrich returns summaries for the links that could be fetched, in input
// order. Failures are logged and skipped.
func (e *LinkEnricher) Enrich(ctx context.Context, links []models.LinkReference) []LinkSummary {
	if len(links) == 0 {
		return nil
	}

	results := make([]*LinkSummary, len(links))

	var g errgroup.Group
	g.SetLimit(maxLinkFetches)
	for i, link := range links {
		g.Go(func() error {
			summary, err := e.summarize(ctx, link)
			if err != nil {
				log.Printf("⚠️ [LINK] Skipping %s: %v", link.URL, err)
				return nil
			}
			results[i] = summary
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]LinkSummary, 0, len(links))
	for _, s := range results {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	return summaries
}

func (e *LinkEnricher) summarize(ctx context.Context, link models.LinkReference) (*LinkSummary, error) {
	rawURL := strings.TrimSpace(link.URL)
	if cached, found := e.cache.Get(rawURL); found {
		summary := cached.(LinkSummary)
		return &summary, nil
	}

	if err := e.guard.Validate(rawURL); err != nil {
		return nil, err
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	allowed, crawlDelay, err := e.robots.Check(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("disallowed by robots.txt")
	}
	if err := e.limiter.Wait(ctx, parsedURL.Host, crawlDelay); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := e.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{OriginalURL: parsedURL})
	if err != nil {
		return nil, fmt.Errorf("failed to extract content: %w", err)
	}
	if result == nil || strings.TrimSpace(result.ContentText) == "" {
		return nil, fmt.Errorf("no content extracted from page")
	}

	title := strings.TrimSpace(result.Metadata.Title)
	if title == "" {
		title = link.Title
	}

	summary := LinkSummary{
		URL:     rawURL,
		Title:   title,
		Excerpt: truncateRunes(strings.Join(strings.Fields(result.ContentText), " "), linkExcerptRunes),
	}
	e.cache.Set(rawURL, summary, cache.DefaultExpiration)
	return &summary, nil
}

func (e *LinkEnricher) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", linkUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch link: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("link returned status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	// Pages larger than the cap are cut; extraction works on the prefix
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read link body: %w", err)
	}
	return body, nil
}

// truncateRunes cuts s to at most n runes
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
