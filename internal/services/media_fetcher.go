package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"knowledgeroute/internal/security"
)

var (
	// ErrMediaTooLarge means the body exceeded the byte cap
	ErrMediaTooLarge = errors.New("media exceeds size limit")
	// ErrMediaTruncated means fewer bytes arrived than the server announced
	ErrMediaTruncated = errors.New("media download truncated")
)

// FetchOptions bounds a single media download
type FetchOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
}

// MediaFetcher downloads attachment bytes
type MediaFetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) ([]byte, error)
}

// HTTPMediaFetcher fetches media over HTTP with SSRF checks on every hop
type HTTPMediaFetcher struct {
	transport http.RoundTripper
	guard     *security.URLGuard
	userAgent string
}

// NewHTTPMediaFetcher creates a fetcher. guard must not be nil.
func NewHTTPMediaFetcher(guard *security.URLGuard) *HTTPMediaFetcher {
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

	return &HTTPMediaFetcher{
		transport: transport,
		guard:     guard,
		userAgent: "KnowledgeRoute-Media/1.0",
	}
}

// Fetch downloads url. The read is capped at MaxBytes+1 so an oversized body
// is detected without buffering all of it.
func (f *HTTPMediaFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) ([]byte, error) {
	if err := f.guard.Validate(url); err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client := &http.Client{
		Transport:     f.transport,
		CheckRedirect: f.guard.RedirectPolicy(opts.MaxRedirects),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		return nil, fmt.Errorf("%w: server announced %d bytes, limit %d", ErrMediaTooLarge, resp.ContentLength, opts.MaxBytes)
	}

	var reader io.Reader = resp.Body
	if opts.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		if resp.ContentLength > 0 && int64(len(data)) < resp.ContentLength {
			return nil, fmt.Errorf("%w: got %d of %d bytes: %v", ErrMediaTruncated, len(data), resp.ContentLength, err)
		}
		return nil, fmt.Errorf("failed to read media: %w", err)
	}

	if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrMediaTooLarge, opts.MaxBytes)
	}
	if resp.ContentLength > 0 && int64(len(data)) < resp.ContentLength {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrMediaTruncated, len(data), resp.ContentLength)
	}

	return data, nil
}
