package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"knowledgeroute/internal/health"
)

// DefaultRetryDelays is the wait before each rate-limit retry of the primary provider
var DefaultRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// DefaultFallbackTimeout bounds the single call made to the fallback provider
const DefaultFallbackTimeout = 15 * time.Second

// DegradationConfig tunes retries and fallback
type DegradationConfig struct {
	RetryDelays     []time.Duration
	FallbackTimeout time.Duration
	// FallbackEmbeddingModel replaces the requested embedding model on the
	// fallback tier. Empty keeps the requested model.
	FallbackEmbeddingModel string
}

// DegradationController wraps a primary provider with rate-limit retries and a
// single fallback call. It implements AIProvider so callers can use it directly.
type DegradationController struct {
	primary         AIProvider
	fallback        AIProvider // optional
	retryDelays     []time.Duration
	fallbackTimeout time.Duration
	fallbackEmbed   string
	health          *health.Service // optional
	metrics         *PipelineMetrics
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewDegradationController creates a controller. fallback and healthSvc may be nil.
func NewDegradationController(primary, fallback AIProvider, cfg DegradationConfig, healthSvc *health.Service, metrics *PipelineMetrics) *DegradationController {
	delays := cfg.RetryDelays
	if delays == nil {
		delays = DefaultRetryDelays
	}
	fallbackTimeout := cfg.FallbackTimeout
	if fallbackTimeout <= 0 {
		fallbackTimeout = DefaultFallbackTimeout
	}

	if healthSvc != nil {
		healthSvc.Register(primary.Name(), health.RolePrimary, pingerOf(primary))
		if fallback != nil {
			healthSvc.Register(fallback.Name(), health.RoleFallback, pingerOf(fallback))
		}
	}

	return &DegradationController{
		primary:         primary,
		fallback:        fallback,
		retryDelays:     delays,
		fallbackTimeout: fallbackTimeout,
		fallbackEmbed:   cfg.FallbackEmbeddingModel,
		health:          healthSvc,
		metrics:         metrics,
		sleep:           sleepContext,
	}
}

// SetSleep replaces the retry wait (tests)
func (d *DegradationController) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	d.sleep = fn
}

// Name identifies the controller by its primary provider
func (d *DegradationController) Name() string {
	return d.primary.Name()
}

// Generate runs a single-shot completion with retries and fallback
func (d *DegradationController) Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error) {
	return runDegraded(ctx, d, "generate", func(ctx context.Context, p AIProvider, isFallback bool) (string, error) {
		return p.Generate(ctx, prompt, d.configFor(cfg, isFallback))
	})
}

// GenerateStream retries only the opening of the stream; failures mid-stream
// surface to the consumer
func (d *DegradationController) GenerateStream(ctx context.Context, prompt string, cfg GenerateConfig) (FragmentStream, error) {
	return runDegraded(ctx, d, "stream", func(ctx context.Context, p AIProvider, isFallback bool) (FragmentStream, error) {
		return p.GenerateStream(ctx, prompt, d.configFor(cfg, isFallback))
	})
}

// Embed returns an embedding with retries and fallback
func (d *DegradationController) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return runDegraded(ctx, d, "embed", func(ctx context.Context, p AIProvider, isFallback bool) ([]float32, error) {
		if isFallback {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.fallbackTimeout)
			defer cancel()
			if d.fallbackEmbed != "" {
				model = d.fallbackEmbed
			}
		}
		return p.Embed(ctx, text, model)
	})
}

// configFor adjusts a call config for the fallback tier: shorter timeout and
// the fallback's default model
func (d *DegradationController) configFor(cfg GenerateConfig, isFallback bool) GenerateConfig {
	if !isFallback {
		return cfg
	}
	cfg.Model = ""
	cfg.Timeout = d.fallbackTimeout
	return cfg
}

func runDegraded[T any](ctx context.Context, d *DegradationController, op string, call func(ctx context.Context, p AIProvider, isFallback bool) (T, error)) (T, error) {
	var zero T
	primaryName := d.primary.Name()

	var primaryErr error
	if d.fallback == nil || d.health == nil || d.health.IsAvailable(primaryName) {
		primaryErr = d.tryPrimary(ctx, op, func(ctx context.Context) error {
			result, err := call(ctx, d.primary, false)
			if err == nil {
				zero = result
			}
			return err
		})
		if primaryErr == nil {
			return zero, nil
		}
	} else {
		primaryErr = fmt.Errorf("provider %s unavailable (cooldown or unhealthy)", primaryName)
		log.Printf("⏭️  [DEGRADE] %s: skipping primary %s, going straight to fallback", op, primaryName)
	}

	if d.fallback == nil {
		d.metrics.RecordUnavailable()
		return zero, fmt.Errorf("%w: %s: %w", ErrAIUnavailable, op, primaryErr)
	}

	fallbackName := d.fallback.Name()
	log.Printf("🔄 [DEGRADE] %s: primary %s failed (%v), trying fallback %s", op, primaryName, primaryErr, fallbackName)
	d.metrics.RecordFallback()

	result, err := call(ctx, d.fallback, true)
	if err != nil {
		d.metrics.RecordProviderCall(fallbackName, outcomeOf(err))
		d.recordFailure(fallbackName, err, errors.Is(err, ErrRateLimited))
		d.metrics.RecordUnavailable()
		log.Printf("❌ [DEGRADE] %s: fallback %s failed: %v", op, fallbackName, err)
		return zero, fmt.Errorf("%w: %s: primary: %w; fallback: %w", ErrAIUnavailable, op, primaryErr, err)
	}

	d.metrics.RecordProviderCall(fallbackName, "success")
	d.markHealthy(fallbackName)
	return result, nil
}

// tryPrimary calls the primary, retrying only on rate limits per the delay schedule
func (d *DegradationController) tryPrimary(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	name := d.primary.Name()
	for i := 0; ; i++ {
		err := attempt(ctx)
		if err == nil {
			d.metrics.RecordProviderCall(name, "success")
			d.markHealthy(name)
			return nil
		}
		d.metrics.RecordProviderCall(name, outcomeOf(err))

		if !errors.Is(err, ErrRateLimited) {
			d.recordFailure(name, err, false)
			return err
		}
		if i >= len(d.retryDelays) {
			log.Printf("⚠️ [DEGRADE] %s: %s still rate limited after %d attempts", op, name, i+1)
			d.recordFailure(name, err, true)
			return err
		}

		delay := d.retryDelays[i]
		log.Printf("⏳ [DEGRADE] %s: %s rate limited, retry %d/%d in %v", op, name, i+1, len(d.retryDelays), delay)
		d.metrics.RecordRetry()
		if sleepErr := d.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry wait interrupted: %w", sleepErr)
		}
	}
}

func (d *DegradationController) markHealthy(name string) {
	if d.health != nil {
		d.health.MarkHealthy(name)
	}
}

// recordFailure feeds the health tracker. Bad requests are the caller's fault
// and do not count against the provider. A rate-limited provider cools down for
// as long as its error says the limit lasts.
func (d *DegradationController) recordFailure(name string, err error, rateLimited bool) {
	if d.health == nil {
		return
	}
	switch {
	case rateLimited:
		limit := health.Throttled
		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			if class := health.ClassifyLimit(providerErr.StatusCode, providerErr.Message); class != health.NotLimited {
				limit = class
			}
		}
		d.health.SetCooldown(name, limit.Cooldown(d.health.CooldownDuration()), err.Error())
	case errors.Is(err, ErrBadRequest):
	default:
		d.health.MarkUnhealthy(name, err.Error())
	}
}

func outcomeOf(err error) string {
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

func pingerOf(p AIProvider) health.Pinger {
	if pinger, ok := p.(health.Pinger); ok {
		return pinger
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
