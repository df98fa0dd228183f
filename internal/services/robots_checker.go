package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

// RobotsChecker answers whether a link may be fetched according to its host's robots.txt
type RobotsChecker struct {
	cache     *cache.Cache
	userAgent string
	client    *http.Client
}

// NewRobotsChecker creates a checker. Parsed robots.txt files are cached per host for 24h.
func NewRobotsChecker(userAgent string, client *http.Client) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsChecker{
		cache:     cache.New(24*time.Hour, time.Hour),
		userAgent: userAgent,
		client:    client,
	}
}

// Allowed reports whether urlStr may be fetched. A missing or unreadable
// robots.txt allows everything.
func (rc *RobotsChecker) Allowed(ctx context.Context, urlStr string) (bool, error) {
	allowed, _, err := rc.Check(ctx, urlStr)
	return allowed, err
}

// Check is Allowed plus the crawl delay the host asks of this user agent
func (rc *RobotsChecker) Check(ctx context.Context, urlStr string) (bool, time.Duration, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false, 0, fmt.Errorf("invalid URL: %w", err)
	}

	host := parsedURL.Scheme + "://" + parsedURL.Host

	robots, found := rc.cache.Get(host)
	if !found {
		data := rc.fetch(ctx, host)
		if data == nil {
			return true, 0, nil
		}
		rc.cache.Set(host, data, cache.DefaultExpiration)
		robots = data
	}

	path := parsedURL.Path
	if path == "" {
		path = "/"
	}
	group := robots.(*robotstxt.RobotsData).FindGroup(rc.userAgent)
	return group.Test(path), group.CrawlDelay, nil
}

func (rc *RobotsChecker) fetch(ctx context.Context, host string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}

	robots, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return robots
}
