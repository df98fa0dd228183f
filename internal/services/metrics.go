package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics holds the Prometheus metrics of the distribution pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	// Cache metrics
	CacheLookups   *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	// AI provider metrics
	ProviderCalls     *prometheus.CounterVec
	ProviderRetries   prometheus.Counter
	ProviderFallbacks prometheus.Counter
	ProviderFailures  prometheus.Counter

	// Media ingestion
	MediaItems *prometheus.CounterVec

	// Distribution runs
	Distributions       *prometheus.CounterVec
	DistributionLatency prometheus.Histogram
	Evaluations         *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics with reg
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		// Cache lookups by cache and result (hit or miss)
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_cache_lookups_total",
			Help: "Cache lookups by cache name and result",
		}, []string{"cache", "result"}),

		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_cache_evictions_total",
			Help: "Entries removed by capacity eviction or expiry sweep",
		}, []string{"cache", "reason"}), // reason: "capacity" or "expired"

		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_provider_calls_total",
			Help: "AI provider calls by provider and outcome",
		}, []string{"provider", "outcome"}),

		ProviderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowledgeroute_provider_retries_total",
			Help: "Rate-limit retries against the primary provider",
		}),

		ProviderFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowledgeroute_provider_fallbacks_total",
			Help: "Calls routed to the fallback provider",
		}),

		ProviderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowledgeroute_provider_unavailable_total",
			Help: "Calls that failed on both primary and fallback",
		}),

		MediaItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_media_items_total",
			Help: "Media attachments by ingestion outcome",
		}, []string{"outcome"}), // accepted, too_large, failed

		Distributions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_distributions_total",
			Help: "Distribution runs by outcome",
		}, []string{"outcome"}),

		DistributionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "knowledgeroute_distribution_duration_seconds",
			Help:    "End-to-end distribution latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // AI calls dominate
		}),

		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_evaluations_total",
			Help: "Relevance evaluations by scoring path",
		}, []string{"path"}), // ai, graceful_fallback, total_fallback

		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgeroute_decisions_total",
			Help: "Storage decisions by policy and result",
		}, []string{"policy", "should_store"}),
	}
}

// RecordCacheLookup records a cache hit or miss
func (m *PipelineMetrics) RecordCacheLookup(cacheName string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cacheName, result).Inc()
}

// RecordCacheEviction records removed cache entries
func (m *PipelineMetrics) RecordCacheEviction(cacheName, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(cacheName, reason).Add(float64(n))
}

// RecordProviderCall records one provider attempt
func (m *PipelineMetrics) RecordProviderCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
}

// RecordRetry records a rate-limit retry
func (m *PipelineMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.ProviderRetries.Inc()
}

// RecordFallback records a fallback call
func (m *PipelineMetrics) RecordFallback() {
	if m == nil {
		return
	}
	m.ProviderFallbacks.Inc()
}

// RecordUnavailable records a call that exhausted every tier
func (m *PipelineMetrics) RecordUnavailable() {
	if m == nil {
		return
	}
	m.ProviderFailures.Inc()
}

// RecordMedia records the outcome of one media attachment
func (m *PipelineMetrics) RecordMedia(outcome string) {
	if m == nil {
		return
	}
	m.MediaItems.WithLabelValues(outcome).Inc()
}

// RecordDistribution records a finished run and its latency
func (m *PipelineMetrics) RecordDistribution(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Distributions.WithLabelValues(outcome).Inc()
	m.DistributionLatency.Observe(seconds)
}

// RecordEvaluation records which path produced a relevance score
func (m *PipelineMetrics) RecordEvaluation(path string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(path).Inc()
}

// RecordDecision records a storage decision
func (m *PipelineMetrics) RecordDecision(policy string, shouldStore bool) {
	if m == nil {
		return
	}
	store := "false"
	if shouldStore {
		store = "true"
	}
	m.Decisions.WithLabelValues(policy, store).Inc()
}
