package cacheopt

import (
	"context"
	"time"

	"github.com/searchmesh/cacheopt/pkg/observability"
)

const (
	healthLatencyBudgetMs = 100

	// Patterns with a hit rate above this count as well-tuned for the
	// TTL optimization score
	ttlOptimizedHitRate = 0.5

	// Rough per-pattern memory footprint used by Optimize estimates
	estimatedPatternBytes = 256
)

// HealthCheck probes the store and summarizes optimization effectiveness.
// It is cheap enough for a periodic monitoring loop.
func (c *OptimizedCache) HealthCheck(ctx context.Context) *HealthStatus {
	ctx, span := observability.StartSpan(ctx, "cacheopt.health_check")
	defer span.End()

	status := &HealthStatus{}

	start := time.Now()
	err := c.store.Ping(ctx)
	status.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	status.Healthy = err == nil && status.LatencyMs < healthLatencyBudgetMs
	if err != nil {
		span.RecordError(err)
	}

	status.MemoryPressure = c.MemoryPressure(ctx)
	status.CompressionEfficiency = c.compressionEfficiency()
	status.TTLOptimization = c.ttlOptimization()

	c.metrics.RecordGauge("cacheopt.health.latency_ms", status.LatencyMs, nil)
	c.metrics.RecordGauge("cacheopt.health.compression_efficiency", status.CompressionEfficiency, nil)
	c.metrics.RecordGauge("cacheopt.health.ttl_optimization", status.TTLOptimization, nil)

	return status
}

// compressionEfficiency is the fraction of bytes saved across all types:
// bytesSaved / originalBytes, 0 when nothing has been written.
func (c *OptimizedCache) compressionEfficiency() float64 {
	var saved, original int64
	for _, s := range c.stats {
		s.mu.Lock()
		saved += s.compression.BytesSaved
		original += s.compression.OriginalBytes
		s.mu.Unlock()
	}
	if original == 0 {
		return 0
	}
	return float64(saved) / float64(original)
}

// ttlOptimization is the share of tracked patterns whose hit rate clears
// the well-tuned threshold. No patterns yet reads as fully optimized.
func (c *OptimizedCache) ttlOptimization() float64 {
	patterns := c.Tracker().Snapshot()
	if len(patterns) == 0 {
		return 1
	}

	optimized := 0
	for _, p := range patterns {
		if p.HitRate > ttlOptimizedHitRate {
			optimized++
		}
	}
	return float64(optimized) / float64(len(patterns))
}

// Optimize runs the periodic maintenance pass: expire idle usage patterns
// and report estimated savings. Call it from a scheduler loop.
func (c *OptimizedCache) Optimize(ctx context.Context) (*OptimizeResult, error) {
	_, span := observability.StartSpan(ctx, "cacheopt.optimize")
	defer span.End()

	cleaned := c.ttl.CleanupOldPatterns(c.config.PatternRetention)

	result := &OptimizeResult{
		PatternsCleanedUp: cleaned,
		MemorySavedBytes:  int64(cleaned) * estimatedPatternBytes,
	}
	if cleaned > 0 {
		// Fewer stale patterns means less skew in TTL decisions; the
		// improvement figure is a coarse advisory estimate
		result.PerformanceImprovement = float64(cleaned) * 0.001
	}

	c.logger.Info("Optimization pass complete", map[string]interface{}{
		"patterns_cleaned":   cleaned,
		"memory_saved_bytes": result.MemorySavedBytes,
	})
	c.metrics.IncrementCounterWithLabels("cacheopt.optimize_runs", 1, nil)

	return result, nil
}
