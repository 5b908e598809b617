package cacheopt

import (
	"math"
	"time"

	"github.com/searchmesh/cacheopt/pkg/observability"
)

// Usage multiplier thresholds. Empirically chosen; tunable constants,
// not invariants.
const (
	hotAccessCount    = 50
	warmAccessCount   = 20
	coldAccessCount   = 5
	recentAccessAge   = time.Hour
	staleAccessAge    = 24 * time.Hour
	manySessionCount  = 5
	multiSessionCount = 2
	highPatternHit    = 0.8
	lowPatternHit     = 0.4

	// Proactive refresh
	refreshAccessCount  = 20
	refreshStaleFactor  = 0.8
	refreshRecentWindow = 2 * time.Hour
)

// TTLManager computes per-key TTLs, eviction priorities, and proactive
// refresh decisions from usage patterns and live performance metrics.
type TTLManager struct {
	policies map[ContentType]TTLPolicy
	tracker  *PatternTracker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewTTLManager creates a TTL manager over the given policies and tracker.
func NewTTLManager(
	policies map[ContentType]TTLPolicy,
	tracker *PatternTracker,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *TTLManager {
	if policies == nil {
		policies = DefaultTTLPolicies()
	}
	if tracker == nil {
		tracker = NewPatternTracker(logger, metrics)
	}
	if logger == nil {
		logger = observability.NewLogger("cacheopt.ttl")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &TTLManager{
		policies: policies,
		tracker:  tracker,
		logger:   logger,
		metrics:  metrics,
	}
}

// Tracker returns the usage pattern tracker backing this manager.
func (m *TTLManager) Tracker() *PatternTracker {
	return m.tracker
}

// Policy returns the TTL policy for a content type, falling back to the
// search policy for unknown types.
func (m *TTLManager) Policy(contentType ContentType) TTLPolicy {
	if policy, ok := m.policies[contentType]; ok {
		return policy
	}
	return m.policies[ContentTypeSearch]
}

// CalculateOptimalTTL returns a TTL in seconds for the key, starting from
// the policy base and applying usage multipliers sequentially, then a live
// metrics pass when metrics are supplied. Popular, recently accessed,
// multi-session, high-hit-rate entries earn longer life; degraded system
// health shortens it regardless of popularity. The result is always within
// [MinSeconds, MaxSeconds].
func (m *TTLManager) CalculateOptimalTTL(key string, contentType ContentType, perf *PerformanceMetrics) int {
	policy := m.Policy(contentType)
	ttl := float64(policy.BaseSeconds)

	if pattern, ok := m.tracker.Get(key); ok {
		ttl *= usageMultiplier(pattern)
	}

	if perf != nil {
		ttl *= metricsMultiplier(perf)
	}

	seconds := int(math.Round(ttl))
	if seconds < policy.MinSeconds {
		seconds = policy.MinSeconds
	}
	if seconds > policy.MaxSeconds {
		seconds = policy.MaxSeconds
	}

	m.metrics.RecordHistogram("cacheopt.ttl.computed_seconds", float64(seconds), map[string]string{
		"content_type": string(contentType),
	})

	return seconds
}

func usageMultiplier(p UsagePattern) float64 {
	multiplier := 1.0

	switch {
	case p.AccessCount > hotAccessCount:
		multiplier *= 1.5
	case p.AccessCount > warmAccessCount:
		multiplier *= 1.2
	case p.AccessCount < coldAccessCount:
		multiplier *= 0.8
	}

	sinceAccess := time.Since(p.LastAccessed)
	switch {
	case sinceAccess < recentAccessAge:
		multiplier *= 1.3
	case sinceAccess > staleAccessAge:
		multiplier *= 0.7
	}

	switch sessions := p.SessionCount(); {
	case sessions > manySessionCount:
		multiplier *= 1.4
	case sessions > multiSessionCount:
		multiplier *= 1.1
	}

	switch {
	case p.HitRate > highPatternHit:
		multiplier *= 1.2
	case p.HitRate < lowPatternHit:
		multiplier *= 0.8
	}

	return multiplier
}

func metricsMultiplier(perf *PerformanceMetrics) float64 {
	multiplier := 1.0

	switch {
	case perf.HitRate > 0.8:
		multiplier *= 1.3
	case perf.HitRate < 0.5:
		multiplier *= 0.9
	}

	switch {
	case perf.ResponseTimeMs > 500:
		multiplier *= 0.8
	case perf.ResponseTimeMs < 100:
		multiplier *= 1.1
	}

	switch {
	case perf.MemoryPressure > 0.8:
		multiplier *= 0.7
	case perf.MemoryPressure < 0.3:
		multiplier *= 1.2
	}

	if perf.ErrorRate > 0.1 {
		multiplier *= 0.6
	}

	return multiplier
}

// RecordAccess feeds one get/set outcome into the usage pattern tracker.
func (m *TTLManager) RecordAccess(key string, contentType ContentType, sessionID string, responseTimeMs float64, hit bool) {
	m.tracker.Record(key, contentType, sessionID, responseTimeMs, hit)
}

// EvictionPriority scores how valuable a key is to retain. Higher means
// evict last. Keys with no recorded pattern score 1 (evict first).
func (m *TTLManager) EvictionPriority(key string) float64 {
	pattern, ok := m.tracker.Get(key)
	if !ok {
		return 1.0
	}

	hoursSinceAccess := time.Since(pattern.LastAccessed).Hours()
	priority := 5.0 +
		math.Log10(float64(pattern.AccessCount)+1)*2 +
		math.Max(0, 10-hoursSinceAccess) +
		math.Log10(float64(pattern.SessionCount())+1)*3 +
		pattern.HitRate*5

	return math.Round(priority*10) / 10
}

// ShouldProactivelyRefresh reports whether a cached entry of the given age
// should be recomputed before it expires. Hot entries past the stale
// threshold qualify, as do entries touched within the last two hours that
// have crossed it. Execution of the refresh belongs to the warming pass.
func (m *TTLManager) ShouldProactivelyRefresh(key string, contentType ContentType, age time.Duration) bool {
	policy := m.Policy(contentType)
	staleThreshold := time.Duration(float64(policy.BaseSeconds)*refreshStaleFactor) * time.Second

	if age <= staleThreshold {
		return false
	}

	pattern, ok := m.tracker.Get(key)
	if !ok {
		return false
	}

	if pattern.AccessCount > refreshAccessCount {
		return true
	}

	return time.Since(pattern.LastAccessed) < refreshRecentWindow
}

// CleanupOldPatterns drops patterns idle past maxAge and returns the count.
func (m *TTLManager) CleanupOldPatterns(maxAge time.Duration) int {
	return m.tracker.Cleanup(maxAge)
}
