package services

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHostDelay = 500 * time.Millisecond
	maxHostRate      = 5.0 // requests per second
	minHostRate      = 0.2
)

// FetchLimiter throttles outbound link fetches: one global limiter protects
// this server, one limiter per host respects the target site
type FetchLimiter struct {
	global *rate.Limiter
	hosts  sync.Map // host -> *rate.Limiter
}

// NewFetchLimiter creates a limiter allowing globalRate fetches per second overall
func NewFetchLimiter(globalRate float64) *FetchLimiter {
	if globalRate <= 0 {
		globalRate = 10
	}
	burst := int(globalRate * 2)
	if burst < 1 {
		burst = 1
	}
	return &FetchLimiter{global: rate.NewLimiter(rate.Limit(globalRate), burst)}
}

// Wait blocks until host may be fetched. crawlDelay comes from robots.txt;
// zero means the default of two requests per second. The first delay seen for
// a host sticks.
func (l *FetchLimiter) Wait(ctx context.Context, host string, crawlDelay time.Duration) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	return l.hostLimiter(host, crawlDelay).Wait(ctx)
}

func (l *FetchLimiter) hostLimiter(host string, crawlDelay time.Duration) *rate.Limiter {
	if limiter, ok := l.hosts.Load(host); ok {
		return limiter.(*rate.Limiter)
	}

	if crawlDelay <= 0 {
		crawlDelay = defaultHostDelay
	}
	perSecond := 1.0 / crawlDelay.Seconds()
	if perSecond > maxHostRate {
		perSecond = maxHostRate
	}
	if perSecond < minHostRate {
		perSecond = minHostRate
	}

	actual, _ := l.hosts.LoadOrStore(host, rate.NewLimiter(rate.Limit(perSecond), 1))
	return actual.(*rate.Limiter)
}
