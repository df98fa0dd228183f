package jobs

import (
	"context"
	"log"
	"time"

	"knowledgeroute/internal/health"
)

// ProviderHealthChecker pings every registered AI provider so a provider in
// cooldown or marked unhealthy recovers without waiting for live traffic
type ProviderHealthChecker struct {
	healthService *health.Service
	interval      time.Duration
	initialDelay  time.Duration
	pause         time.Duration
	lastRun       time.Time
}

// NewProviderHealthChecker creates the job; interval <= 0 means every 10 minutes
func NewProviderHealthChecker(healthService *health.Service, interval time.Duration) *ProviderHealthChecker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ProviderHealthChecker{
		healthService: healthService,
		interval:      interval,
		initialDelay:  2 * time.Minute,
		pause:         2 * time.Second,
	}
}

// Run checks the providers one by one, pausing between checks
func (p *ProviderHealthChecker) Run(ctx context.Context) error {
	p.lastRun = time.Now()

	names := p.healthService.Names()
	if len(names) == 0 {
		return nil
	}
	log.Printf("[HEALTH-JOB] Checking %d provider(s)...", len(names))

	healthy, failed := 0, 0
	for i, name := range names {
		if i > 0 && p.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pause):
			}
		}

		if err := p.healthService.CheckProvider(ctx, name); err != nil {
			failed++
			log.Printf("[HEALTH-JOB] %s: FAILED (%v)", name, err)
			continue
		}
		healthy++
	}

	log.Printf("[HEALTH-JOB] Health checks complete: %d healthy, %d failed", healthy, failed)
	return nil
}

// GetNextRunTime waits a little after startup, then runs every interval
func (p *ProviderHealthChecker) GetNextRunTime() time.Time {
	if p.lastRun.IsZero() {
		return time.Now().Add(p.initialDelay)
	}
	return p.lastRun.Add(p.interval)
}
