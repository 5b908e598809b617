package cacheopt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/searchmesh/cacheopt/pkg/observability"
)

const (
	// derivedKeyHexLen is the number of hash hex characters kept in keys
	derivedKeyHexLen = 24

	// backgroundWriteTimeout bounds fire-and-forget metadata writes
	backgroundWriteTimeout = 2 * time.Second

	defaultEntryPriority = 5
)

// OptimizedCache orchestrates get/set against the store, invoking the
// compression engine and TTL manager and feeding the usage pattern
// tracker. Construct one instance at the composition root and pass it by
// reference; it is safe for concurrent use.
type OptimizedCache struct {
	store      StoreClient
	ttl        *TTLManager
	compressor *CompressionEngine
	config     *Config
	logger     observability.Logger
	metrics    observability.MetricsClient

	// Read-path acceleration for hot entries
	local *lru.Cache[string, *CacheEntry]

	// Per-type counters; the map is built once and never mutated
	stats map[ContentType]*typeStats

	// Cached memory pressure estimate
	pressureMu      sync.Mutex
	pressureValue   float64
	pressureExpires time.Time

	// Background metadata writes, waited on at Close
	bg           sync.WaitGroup
	shuttingDown atomic.Bool
}

type typeStats struct {
	hits   atomic.Int64
	misses atomic.Int64

	mu          sync.Mutex
	compression CompressionStats
	lastUpdated time.Time
}

// NewOptimizedCache wires the facade from a Redis client and configuration.
// The TTL manager, pattern tracker, and compression engine are constructed
// here; retrieve them via TTLManager() for warming integration.
func NewOptimizedCache(client *redis.Client, config *Config, logger observability.Logger) (*OptimizedCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger("cacheopt")
	}

	var metrics observability.MetricsClient
	if config.EnableMetrics {
		metrics = observability.NewMetricsClient()
	} else {
		metrics = observability.NewNoopMetricsClient()
	}

	local, err := lru.New[string, *CacheEntry](config.LocalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}

	tracker := NewPatternTracker(logger.WithPrefix("patterns"), metrics)
	ttlManager := NewTTLManager(config.TTLPolicies, tracker, logger.WithPrefix("ttl"), metrics)

	stats := make(map[ContentType]*typeStats, len(ContentTypes()))
	for _, ct := range ContentTypes() {
		stats[ct] = &typeStats{}
	}

	return &OptimizedCache{
		store:      NewResilientStoreClient(client, logger.WithPrefix("store"), metrics),
		ttl:        ttlManager,
		compressor: NewCompressionEngine(config.Compression, logger.WithPrefix("compression"), metrics),
		config:     config,
		logger:     logger,
		metrics:    metrics,
		local:      local,
		stats:      stats,
	}, nil
}

// TTLManager returns the TTL manager backing this cache.
func (c *OptimizedCache) TTLManager() *TTLManager {
	return c.ttl
}

// Tracker returns the usage pattern tracker backing this cache.
func (c *OptimizedCache) Tracker() *PatternTracker {
	return c.ttl.Tracker()
}

// DeriveKey builds the store key for an input: the configured prefix, the
// content type namespace, and the first 24 hex characters of
// SHA-256(lowercase(trim(input)) [+ ":" + context]). Deterministic, case-
// and whitespace-insensitive, context-partitioned.
func (c *OptimizedCache) DeriveKey(input string, contentType ContentType, keyContext string) string {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if keyContext != "" {
		normalized += ":" + keyContext
	}

	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s:%s:%s", c.config.Prefix, contentType, hex.EncodeToString(sum[:])[:derivedKeyHexLen])
}

// Set compresses, TTL-assigns, and persists data under the derived key.
// Store failures are logged and returned; the caller may ignore them
// safely, the system stays correct with the cache disabled.
func (c *OptimizedCache) Set(ctx context.Context, key string, data interface{}, contentType ContentType, opts *SetOptions) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if opts == nil {
		opts = &SetOptions{}
	}

	ctx, span := observability.StartSpan(ctx, "cacheopt.set")
	defer span.End()
	span.SetAttribute("content_type", string(contentType))

	pressure := c.MemoryPressure(ctx)
	typeConfig := c.config.TypeConfigs[contentType]

	var (
		compressed *CompressedEntry
		err        error
	)
	if typeConfig.CompressionEnabled {
		compressed, err = c.compressor.CompressEntryWithPressure(data, contentType, pressure)
	} else {
		compressed, err = c.compressor.EncodeUncompressed(data, contentType)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	ttlSeconds := c.ttl.CalculateOptimalTTL(key, contentType, c.liveMetrics(contentType, pressure))

	priority := opts.Priority
	if priority == 0 {
		priority = defaultEntryPriority
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	entry := &CacheEntry{
		Entry:        *compressed,
		OriginalKey:  key,
		ContentType:  contentType,
		SessionID:    opts.SessionID,
		UserID:       opts.UserID,
		AccessCount:  1,
		LastAccessed: time.Now(),
		TTLSeconds:   ttlSeconds,
		Priority:     priority,
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	derivedKey := c.DeriveKey(key, contentType, opts.Context)
	if err := c.store.SetEX(ctx, derivedKey, string(encoded), time.Duration(ttlSeconds)*time.Second); err != nil {
		c.logger.Warn("Store write failed", map[string]interface{}{
			"content_type": string(contentType),
			"error":        err.Error(),
		})
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.local.Add(derivedKey, entry)
	c.recordCompression(contentType, compressed)

	if typeConfig.UsageTrackingEnabled {
		// A set is a miss outcome: the entry had to be produced
		c.ttl.RecordAccess(key, contentType, opts.SessionID, 0, false)
	}

	return nil
}

// Get retrieves and decompresses a cached value. A miss, an unreachable
// store, and a corrupt payload all return found=false with a nil error;
// the request path never sees a cache failure. Corrupt entries are
// proactively deleted. Hits update access bookkeeping with a
// fire-and-forget write that never blocks the caller.
func (c *OptimizedCache) Get(ctx context.Context, key string, contentType ContentType, opts *GetOptions) (interface{}, bool, error) {
	if c.shuttingDown.Load() {
		return nil, false, nil
	}
	if opts == nil {
		opts = &GetOptions{}
	}

	ctx, span := observability.StartSpan(ctx, "cacheopt.get")
	defer span.End()
	span.SetAttribute("content_type", string(contentType))

	start := time.Now()
	derivedKey := c.DeriveKey(key, contentType, opts.Context)

	raw, err := c.store.Get(ctx, derivedKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.logger.Warn("Store read failed", map[string]interface{}{
				"content_type": string(contentType),
				"error":        err.Error(),
			})
			span.RecordError(err)

			// Degraded mode: serve from the in-process copy while the
			// store is unreachable
			if data, ok := c.localLookup(derivedKey); ok {
				c.metrics.IncrementCounterWithLabels("cacheopt.local_fallback_hits", 1, map[string]string{
					"content_type": string(contentType),
				})
				c.recordHit(ctx, key, contentType, opts.SessionID, time.Since(start))
				return data, true, nil
			}
		}
		c.recordMiss(ctx, key, contentType, opts.SessionID, time.Since(start))
		return nil, false, nil
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.dropCorruptEntry(derivedKey, err)
		c.recordMiss(ctx, key, contentType, opts.SessionID, time.Since(start))
		return nil, false, nil
	}

	age := time.Since(entry.Entry.CreatedAt)
	if c.ttl.ShouldProactivelyRefresh(key, contentType, age) {
		// Advisory: the warming pass picks these up via the tracker
		c.logger.Debug("Entry recommended for proactive refresh", map[string]interface{}{
			"content_type": string(contentType),
			"age_seconds":  int(age.Seconds()),
		})
		c.metrics.IncrementCounterWithLabels("cacheopt.refresh_recommended", 1, map[string]string{
			"content_type": string(contentType),
		})
	}

	data, err := c.compressor.DecompressEntry(&entry.Entry)
	if err != nil {
		c.dropCorruptEntry(derivedKey, err)
		c.recordMiss(ctx, key, contentType, opts.SessionID, time.Since(start))
		return nil, false, nil
	}

	updated := entry
	updated.AccessCount++
	updated.LastAccessed = time.Now()
	if opts.SessionID != "" {
		updated.SessionID = opts.SessionID
	}
	c.local.Add(derivedKey, &updated)
	c.writeBackMetadata(derivedKey, &updated)

	c.recordHit(ctx, key, contentType, opts.SessionID, time.Since(start))
	return data, true, nil
}

// Exists reports whether input is cached. Store errors report false.
func (c *OptimizedCache) Exists(ctx context.Context, input string, contentType ContentType, keyContext string) bool {
	derivedKey := c.DeriveKey(input, contentType, keyContext)
	ok, err := c.store.Exists(ctx, derivedKey)
	if err != nil {
		return false
	}
	return ok
}

// Delete removes a cached entry.
func (c *OptimizedCache) Delete(ctx context.Context, key string, contentType ContentType, keyContext string) error {
	derivedKey := c.DeriveKey(key, contentType, keyContext)
	c.local.Remove(derivedKey)
	if err := c.store.Del(ctx, derivedKey); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// EvictionPriority exposes the TTL manager's advisory retention score.
func (c *OptimizedCache) EvictionPriority(key string) float64 {
	return c.ttl.EvictionPriority(key)
}

// MemoryPressure estimates how full the store is as a [0,1] ratio of
// counted keys to the configured capacity ceiling. The estimate is coarse
// and cached briefly; it only nudges TTL and compression decisions.
func (c *OptimizedCache) MemoryPressure(ctx context.Context) float64 {
	c.pressureMu.Lock()
	defer c.pressureMu.Unlock()

	if time.Now().Before(c.pressureExpires) {
		return c.pressureValue
	}

	count := c.countKeys(ctx)
	pressure := float64(count) / float64(c.config.CapacityCeiling)
	if pressure > 1 {
		pressure = 1
	}
	if pressure < 0 {
		pressure = 0
	}

	c.pressureValue = pressure
	c.pressureExpires = time.Now().Add(c.config.PressureInterval)

	c.metrics.RecordGauge("cacheopt.memory_pressure", pressure, nil)
	return pressure
}

func (c *OptimizedCache) countKeys(ctx context.Context) int {
	pattern := c.config.Prefix + ":*"
	var (
		cursor uint64
		count  int
	)

	for {
		keys, next, err := c.store.Scan(ctx, cursor, pattern, c.config.ScanBatchSize)
		if err != nil {
			// Unreachable store reads as empty; pressure stays low
			return count
		}
		count += len(keys)
		cursor = next
		if cursor == 0 || count >= c.config.CapacityCeiling {
			break
		}
	}

	return count
}

// PerformanceSnapshot aggregates live signals across all content types
// for warming and policy decisions.
func (c *OptimizedCache) PerformanceSnapshot(ctx context.Context) *PerformanceMetrics {
	var hits, misses int64
	for _, s := range c.stats {
		hits += s.hits.Load()
		misses += s.misses.Load()
	}

	perf := &PerformanceMetrics{
		HitRate:        0.6,
		ResponseTimeMs: 200,
		MemoryPressure: c.MemoryPressure(ctx),
	}
	if total := hits + misses; total > 0 {
		perf.HitRate = float64(hits) / float64(total)
	}
	return perf
}

// Metrics returns the per-type metrics surface.
func (c *OptimizedCache) Metrics() map[ContentType]TypeMetrics {
	out := make(map[ContentType]TypeMetrics, len(c.stats))
	for ct, s := range c.stats {
		hits := s.hits.Load()
		misses := s.misses.Load()
		total := hits + misses

		m := TypeMetrics{
			Hits:          hits,
			Misses:        misses,
			TotalRequests: total,
		}
		if total > 0 {
			m.HitRate = float64(hits) / float64(total)
		}

		s.mu.Lock()
		m.Compression = s.compression
		m.LastUpdated = s.lastUpdated
		s.mu.Unlock()

		out[ct] = m
	}
	return out
}

// Close stops background writes and closes the store connection.
func (c *OptimizedCache) Close(ctx context.Context) error {
	c.shuttingDown.Store(true)

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Timed out waiting for background writes", nil)
	}

	return c.store.Close()
}

// Internal helpers

// localLookup serves an entry from the in-process cache if it has not
// outlived the TTL it was stored with.
func (c *OptimizedCache) localLookup(derivedKey string) (interface{}, bool) {
	entry, ok := c.local.Get(derivedKey)
	if !ok {
		return nil, false
	}
	if time.Since(entry.Entry.CreatedAt) >= time.Duration(entry.TTLSeconds)*time.Second {
		c.local.Remove(derivedKey)
		return nil, false
	}

	data, err := c.compressor.DecompressEntry(&entry.Entry)
	if err != nil {
		c.local.Remove(derivedKey)
		return nil, false
	}
	return data, true
}

// writeBackMetadata persists updated access bookkeeping without blocking
// the read path. Losing one of these updates is tolerable.
func (c *OptimizedCache) writeBackMetadata(derivedKey string, entry *CacheEntry) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()

		encoded, err := json.Marshal(entry)
		if err != nil {
			return
		}

		// Preserve the store's remaining expiry rather than extending it
		remaining, err := c.store.TTL(ctx, derivedKey)
		if err != nil || remaining <= 0 {
			return
		}
		if err := c.store.SetEX(ctx, derivedKey, string(encoded), remaining); err != nil {
			c.logger.Debug("Background metadata write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

func (c *OptimizedCache) dropCorruptEntry(derivedKey string, cause error) {
	c.logger.Warn("Dropping corrupt cache entry", map[string]interface{}{
		"error": cause.Error(),
	})
	c.metrics.IncrementCounterWithLabels("cacheopt.corrupt_entries", 1, nil)
	c.local.Remove(derivedKey)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()
		_ = c.store.Del(ctx, derivedKey)
	}()
}

func (c *OptimizedCache) recordHit(ctx context.Context, key string, contentType ContentType, sessionID string, elapsed time.Duration) {
	if s, ok := c.stats[contentType]; ok {
		s.hits.Add(1)
		s.mu.Lock()
		s.lastUpdated = time.Now()
		s.mu.Unlock()
	}
	c.metrics.IncrementCounterWithLabels("cacheopt.hits", 1, map[string]string{
		"content_type": string(contentType),
	})

	if c.config.TypeConfigs[contentType].UsageTrackingEnabled {
		c.ttl.RecordAccess(key, contentType, sessionID, float64(elapsed.Milliseconds()), true)
	}
}

func (c *OptimizedCache) recordMiss(ctx context.Context, key string, contentType ContentType, sessionID string, elapsed time.Duration) {
	if s, ok := c.stats[contentType]; ok {
		s.misses.Add(1)
		s.mu.Lock()
		s.lastUpdated = time.Now()
		s.mu.Unlock()
	}
	c.metrics.IncrementCounterWithLabels("cacheopt.misses", 1, map[string]string{
		"content_type": string(contentType),
	})

	if c.config.TypeConfigs[contentType].UsageTrackingEnabled {
		c.ttl.RecordAccess(key, contentType, sessionID, float64(elapsed.Milliseconds()), false)
	}
}

func (c *OptimizedCache) recordCompression(contentType ContentType, entry *CompressedEntry) {
	s, ok := c.stats[contentType]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Compressed {
		s.compression.CompressedEntries++
		s.compression.BytesSaved += int64(entry.OriginalSize - entry.CompressedSize)
		// Incremental mean over compressed entries only
		n := float64(s.compression.CompressedEntries)
		s.compression.AvgRatio += (entry.CompressionRatio - s.compression.AvgRatio) / n
	} else {
		s.compression.UncompressedEntries++
	}
	s.compression.OriginalBytes += int64(entry.OriginalSize)
	s.lastUpdated = time.Now()
}

// liveMetrics assembles the performance metrics pass for TTL computation.
// Signals without data use neutral values that trigger no multiplier.
func (c *OptimizedCache) liveMetrics(contentType ContentType, pressure float64) *PerformanceMetrics {
	perf := &PerformanceMetrics{
		HitRate:        0.6,
		ResponseTimeMs: 200,
		MemoryPressure: pressure,
		ErrorRate:      0,
	}

	if s, ok := c.stats[contentType]; ok {
		hits := s.hits.Load()
		misses := s.misses.Load()
		if total := hits + misses; total > 0 {
			perf.HitRate = float64(hits) / float64(total)
		}
	}

	return perf
}
