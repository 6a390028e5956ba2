package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/fernridge/conductor/core"
)

// ValidationCache memoizes acceptance-criterion validation results keyed
// by `validation_cache:<project_id>:<SHA256(criterion)>:<SHA256(sorted
// file contents)>` with a default TTL of one hour. Adapted from
// the teacher's SimpleCache (routing-plan cache keyed by prompt hash):
// same expiring-map-with-eviction shape, repurposed to cache
// CachedValidation entries instead of RoutingPlan values, keyed on the
// criterion+file-contents hash pair instead of a single prompt hash.
type ValidationCache struct {
	mu              sync.RWMutex
	items           map[string]*validationCacheItem
	stats           CacheStats
	maxSize         int
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan bool
}

// CachedValidation is the memoized outcome of one criterion evaluation.
type CachedValidation struct {
	Satisfied    bool              `json:"satisfied"`
	MatchQuality core.MatchQuality `json:"match_quality"`
	Evidence     string            `json:"evidence,omitempty"`
}

// CacheStats reports cache performance counters.
type CacheStats struct {
	Size        int     `json:"size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	MemoryUsage int64   `json:"memory_bytes"`
}

type validationCacheItem struct {
	result    CachedValidation
	expiresAt time.Time
}

// NewValidationCache builds a cache with the default TTL and a generous
// bound on resident entries (unbounded growth would defeat the point of
// process-lifetime memoization for a long-running control loop).
func NewValidationCache() *ValidationCache {
	return NewValidationCacheWithOptions(10000, core.DefaultValidationCacheTTL, 5*time.Minute)
}

// NewValidationCacheWithOptions builds a cache with custom bounds, for
// tests or operators who want a different footprint.
func NewValidationCacheWithOptions(maxSize int, defaultTTL, cleanupInterval time.Duration) *ValidationCache {
	c := &ValidationCache{
		items:           make(map[string]*validationCacheItem),
		maxSize:         maxSize,
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan bool),
	}
	go c.cleanupRoutine()
	return c
}

// Key builds the cache key for one criterion evaluated against a set of
// file contents.
func Key(projectID, criterion string, fileContents []string) string {
	sorted := append([]string(nil), fileContents...)
	sort.Strings(sorted)

	criterionHash := sha256Hex(criterion)
	contentHash := sha256Hex(sorted...)
	return "validation_cache:" + projectID + ":" + criterionHash + ":" + contentHash
}

func sha256Hex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a memoized validation result by cache key.
func (c *ValidationCache) Get(key string) (CachedValidation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found {
		c.stats.Misses++
		return CachedValidation{}, false
	}
	if time.Now().After(item.expiresAt) {
		c.stats.Misses++
		return CachedValidation{}, false
	}
	c.stats.Hits++
	c.updateHitRate()
	return item.result, true
}

// Set memoizes a validation result under the default TTL.
func (c *ValidationCache) Set(key string, result CachedValidation) {
	c.SetWithTTL(key, result, c.defaultTTL)
}

// SetWithTTL memoizes a validation result with an explicit TTL.
func (c *ValidationCache) SetWithTTL(key string, result CachedValidation, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictExpired()
		if len(c.items) >= c.maxSize {
			c.evictOldest()
		}
	}

	c.items[key] = &validationCacheItem{
		result:    result,
		expiresAt: time.Now().Add(ttl),
	}
	c.stats.Size = len(c.items)
}

// Clear empties the cache.
func (c *ValidationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*validationCacheItem)
	c.stats.Size = 0
}

// Stats returns current cache counters.
func (c *ValidationCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

// Stop halts the background cleanup goroutine.
func (c *ValidationCache) Stop() {
	close(c.stopCleanup)
}

func (c *ValidationCache) cleanupRoutine() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpired()
			c.stats.Size = len(c.items)
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *ValidationCache) evictExpired() {
	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			c.stats.Evictions++
		}
	}
}

func (c *ValidationCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, item := range c.items {
		if oldestTime.IsZero() || item.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.stats.Evictions++
	}
}

func (c *ValidationCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
