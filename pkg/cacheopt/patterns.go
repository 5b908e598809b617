package cacheopt

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/searchmesh/cacheopt/pkg/observability"
)

const patternShardCount = 16

// PatternTracker records per-key access statistics. The map is sharded
// with a mutex per shard so concurrent get/set paths never lose updates.
// Patterns live in memory only and are rebuilt on restart.
type PatternTracker struct {
	shards  [patternShardCount]*patternShard
	logger  observability.Logger
	metrics observability.MetricsClient
}

type patternShard struct {
	mu       sync.RWMutex
	patterns map[string]*UsagePattern
}

// NewPatternTracker creates an empty tracker.
func NewPatternTracker(logger observability.Logger, metrics observability.MetricsClient) *PatternTracker {
	if logger == nil {
		logger = observability.NewLogger("cacheopt.patterns")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	t := &PatternTracker{logger: logger, metrics: metrics}
	for i := range t.shards {
		t.shards[i] = &patternShard{patterns: make(map[string]*UsagePattern)}
	}
	return t
}

func (t *PatternTracker) shard(key string) *patternShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%patternShardCount]
}

// Record upserts the pattern for key: increments the access count, updates
// recency and the session set, and folds responseTimeMs and the hit boolean
// into incremental running means.
func (t *PatternTracker) Record(key string, contentType ContentType, sessionID string, responseTimeMs float64, hit bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[key]
	if !ok {
		p = &UsagePattern{
			Key:         key,
			ContentType: contentType,
			Sessions:    make(map[string]struct{}),
		}
		s.patterns[key] = p
	}

	p.AccessCount++
	p.LastAccessed = time.Now()
	if sessionID != "" {
		p.Sessions[sessionID] = struct{}{}
	}

	// Incremental running means: m += (x - m) / n
	n := float64(p.AccessCount)
	p.AvgResponseTimeMs += (responseTimeMs - p.AvgResponseTimeMs) / n
	hitValue := 0.0
	if hit {
		hitValue = 1.0
	}
	p.HitRate += (hitValue - p.HitRate) / n
}

// Get returns a copy of the pattern for key.
func (t *PatternTracker) Get(key string) (UsagePattern, bool) {
	s := t.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[key]
	if !ok {
		return UsagePattern{}, false
	}
	return copyPattern(p), true
}

// Snapshot returns a copy of all tracked patterns, keyed by cache key.
// Used as the input to warming query generation.
func (t *PatternTracker) Snapshot() map[string]UsagePattern {
	out := make(map[string]UsagePattern)
	for _, s := range t.shards {
		s.mu.RLock()
		for key, p := range s.patterns {
			out[key] = copyPattern(p)
		}
		s.mu.RUnlock()
	}
	return out
}

// Cleanup removes patterns idle past the cutoff and returns the count removed.
func (t *PatternTracker) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, s := range t.shards {
		s.mu.Lock()
		for key, p := range s.patterns {
			if p.LastAccessed.Before(cutoff) {
				delete(s.patterns, key)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		t.logger.Debug("Cleaned up idle usage patterns", map[string]interface{}{
			"removed": removed,
			"max_age": maxAge.String(),
		})
		t.metrics.IncrementCounterWithLabels("cacheopt.patterns.cleaned", float64(removed), nil)
	}

	return removed
}

// Len returns the number of tracked patterns.
func (t *PatternTracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.patterns)
		s.mu.RUnlock()
	}
	return n
}

func copyPattern(p *UsagePattern) UsagePattern {
	out := *p
	out.Sessions = make(map[string]struct{}, len(p.Sessions))
	for id := range p.Sessions {
		out.Sessions[id] = struct{}{}
	}
	return out
}
