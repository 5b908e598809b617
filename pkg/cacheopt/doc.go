// Package cacheopt provides adaptive cache optimization over a Redis
// store: usage-driven TTL tuning, content-aware compression, and the
// metrics that feed cache warming.
//
// # Overview
//
// The package wraps get/set operations for four content types (embedding,
// search, classification, contextual) and adapts its behavior to observed
// usage. A pattern tracker records per-key access statistics; a TTL
// manager turns those patterns plus live system metrics into per-entry
// expiries; a compression engine picks thresholds and levels per content
// type and memory pressure.
//
// Key Features:
//   - Adaptive TTL from access frequency, recency, session spread, and hit rate
//   - Content-aware gzip compression with a minimum-ratio gate
//   - Compact float serialization for embedding vectors
//   - Circuit breaker and retry around all store operations
//   - Eviction priority scoring and proactive refresh advice
//   - Per-type hit/miss and compression metrics
//
// # Architecture
//
//  1. OptimizedCache: facade orchestrating get/set, key derivation, metrics
//  2. TTLManager: adaptive TTL computation and eviction scoring
//  3. PatternTracker: sharded per-key usage statistics
//  4. CompressionEngine: serialization and adaptive gzip
//  5. ResilientStoreClient: Redis client with circuit breaker and backoff
//
// The warming subpackage builds on these to pre-populate the cache from
// usage patterns on a schedule.
//
// Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cache, err := cacheopt.NewOptimizedCache(redisClient, cacheopt.DefaultConfig(), logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close(ctx)
//
//	err = cache.Set(ctx, "what is pgvector", results, cacheopt.ContentTypeSearch, nil)
//	data, found, err := cache.Get(ctx, "what is pgvector", cacheopt.ContentTypeSearch, nil)
//
// All operations degrade to cache misses when the store is unreachable;
// callers never see a cache failure on the request path.
package cacheopt
