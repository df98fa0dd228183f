package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/patrickmn/go-cache"

	"knowledgeroute/internal/models"
)

const (
	// DefaultClassificationTTL is how long a classification stays reusable
	DefaultClassificationTTL = 30 * time.Minute
	// DefaultClassificationCacheSize is the entry cap of the classification cache
	DefaultClassificationCacheSize = 1000
)

// CacheStats is a point-in-time view of cache counters
type CacheStats struct {
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// ClassificationCache maps content fingerprints to classification results.
// Entries are never returned once now-CreatedAt >= TTL. When full, inserting a
// new key evicts the single entry with the oldest CreatedAt; reads do not
// refresh an entry's age.
type ClassificationCache struct {
	mu      sync.Mutex
	store   *cache.Cache
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	metrics *PipelineMetrics

	hits      uint64
	misses    uint64
	evictions uint64

	scheduler gocron.Scheduler
}

// NewClassificationCache creates an empty cache. The sweep is not running until Start.
func NewClassificationCache(ttl time.Duration, maxSize int, metrics *PipelineMetrics) *ClassificationCache {
	if ttl <= 0 {
		ttl = DefaultClassificationTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultClassificationCacheSize
	}

	return &ClassificationCache{
		// Janitor disabled: expiry sweeps are owned by Start/Stop
		store:   cache.New(ttl, 0),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		metrics: metrics,
	}
}

// SetClock overrides the time source (tests)
func (c *ClassificationCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the entry for fingerprint if present and not expired
func (c *ClassificationCache) Get(fingerprint string) (models.ClassificationCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, found := c.store.Get(fingerprint)
	if found {
		entry := value.(models.ClassificationCacheEntry)
		if !c.expired(entry) {
			c.hits++
			c.metrics.RecordCacheLookup("classification", true)
			return entry, true
		}
	}

	c.misses++
	c.metrics.RecordCacheLookup("classification", false)
	return models.ClassificationCacheEntry{}, false
}

// Put stores entry under fingerprint. A zero CreatedAt is stamped with the current time.
func (c *ClassificationCache) Put(fingerprint string, entry models.ClassificationCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}

	if _, exists := c.store.Get(fingerprint); !exists && c.store.ItemCount() >= c.maxSize {
		c.evictOldest()
	}

	c.store.Set(fingerprint, entry, cache.DefaultExpiration)
}

// evictOldest removes the entry with the smallest CreatedAt. Caller holds mu.
func (c *ClassificationCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, item := range c.store.Items() {
		entry := item.Object.(models.ClassificationCacheEntry)
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CreatedAt
		}
	}
	if oldestKey == "" {
		return
	}

	c.store.Delete(oldestKey)
	c.evictions++
	c.metrics.RecordCacheEviction("classification", "capacity", 1)
	log.Printf("🗑️  [CLASSIFY-CACHE] Evicted oldest entry %s (created %s)", shortKey(oldestKey), oldest.Format(time.RFC3339))
}

// Sweep removes every expired entry and returns how many were removed
func (c *ClassificationCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.store.ItemCount()
	c.store.DeleteExpired()
	removed := before - c.store.ItemCount()

	for key, item := range c.store.Items() {
		if c.expired(item.Object.(models.ClassificationCacheEntry)) {
			c.store.Delete(key)
			removed++
		}
	}

	if removed > 0 {
		c.evictions += uint64(removed)
		c.metrics.RecordCacheEviction("classification", "expired", removed)
		log.Printf("🧹 [CLASSIFY-CACHE] Swept %d expired entries (%d remaining)", removed, c.store.ItemCount())
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *ClassificationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.ItemCount()
}

// Stats returns the cache counters
func (c *ClassificationCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      c.store.ItemCount(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Start runs Sweep every interval until Stop is called
func (c *ClassificationCache) Start(interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scheduler != nil {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create cache sweep scheduler: %w", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			c.Sweep()
		}),
		gocron.WithName("classification-cache-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}

	scheduler.Start()
	c.scheduler = scheduler
	log.Printf("✅ [CLASSIFY-CACHE] Sweep started (every %v, ttl %v, max %d entries)", interval, c.ttl, c.maxSize)
	return nil
}

// Stop halts the periodic sweep and waits for a running sweep to finish
func (c *ClassificationCache) Stop() error {
	c.mu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if scheduler == nil {
		return nil
	}
	log.Println("🛑 [CLASSIFY-CACHE] Stopping sweep")
	return scheduler.Shutdown()
}

func (c *ClassificationCache) expired(entry models.ClassificationCacheEntry) bool {
	return !c.now().Before(entry.CreatedAt.Add(c.ttl))
}

func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12]
}
