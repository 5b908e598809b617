package cacheopt

import "time"

// ContentType selects which TTL policy, compression threshold, and
// serialization strategy applies to a cached artifact.
type ContentType string

// Cached artifact types
const (
	ContentTypeEmbedding      ContentType = "embedding"
	ContentTypeSearch         ContentType = "search"
	ContentTypeClassification ContentType = "classification"
	ContentTypeContextual     ContentType = "contextual"
)

// ContentTypes lists all known content types in a stable order.
func ContentTypes() []ContentType {
	return []ContentType{
		ContentTypeEmbedding,
		ContentTypeSearch,
		ContentTypeClassification,
		ContentTypeContextual,
	}
}

// Compression algorithms recorded on entries
const (
	AlgorithmGzip = "gzip"
	AlgorithmNone = "none"
)

// UsagePattern holds per-key access statistics. Values are running
// aggregates maintained by the PatternTracker; reads receive copies.
type UsagePattern struct {
	Key               string              `json:"key"`
	ContentType       ContentType         `json:"content_type"`
	AccessCount       int64               `json:"access_count"`
	LastAccessed      time.Time           `json:"last_accessed"`
	AvgResponseTimeMs float64             `json:"avg_response_time_ms"`
	HitRate           float64             `json:"hit_rate"`
	Sessions          map[string]struct{} `json:"-"`
}

// SessionCount returns the number of distinct sessions that touched the key.
func (p UsagePattern) SessionCount() int {
	return len(p.Sessions)
}

// TTLPolicy bounds adaptive TTL computation for one content type.
// Policies are immutable configuration; they are not mutated at runtime.
type TTLPolicy struct {
	BaseSeconds    int     `json:"base_seconds" mapstructure:"base_seconds"`
	MinSeconds     int     `json:"min_seconds" mapstructure:"min_seconds"`
	MaxSeconds     int     `json:"max_seconds" mapstructure:"max_seconds"`
	AdaptiveFactor float64 `json:"adaptive_factor" mapstructure:"adaptive_factor"`
}

// PerformanceMetrics carries live system health signals into TTL and
// warming decisions.
type PerformanceMetrics struct {
	HitRate        float64 `json:"hit_rate"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	MemoryPressure float64 `json:"memory_pressure"`
	ErrorRate      float64 `json:"error_rate"`
}

// CompressedEntry is the serialized, optionally compressed form of a cached
// payload. Immutable once created: produced on set, consumed on get.
type CompressedEntry struct {
	Payload          string      `json:"payload"`
	Compressed       bool        `json:"compressed"`
	OriginalSize     int         `json:"original_size"`
	CompressedSize   int         `json:"compressed_size"`
	CompressionRatio float64     `json:"compression_ratio"`
	Algorithm        string      `json:"algorithm"`
	ContentType      ContentType `json:"content_type"`
	CreatedAt        time.Time   `json:"created_at"`
}

// CacheEntry wraps a CompressedEntry with access metadata. It is the unit
// persisted in the store under a derived key. Lifecycle: create on miss,
// access bookkeeping updated in place on hit, expired by the store's TTL.
type CacheEntry struct {
	Entry        CompressedEntry `json:"entry"`
	OriginalKey  string          `json:"original_key"`
	ContentType  ContentType     `json:"content_type"`
	SessionID    string          `json:"session_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	AccessCount  int             `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
	TTLSeconds   int             `json:"ttl_seconds"`
	Priority     int             `json:"priority"`
}

// CompressionStats aggregates compression outcomes for one content type.
type CompressionStats struct {
	CompressedEntries   int64   `json:"compressed_entries"`
	UncompressedEntries int64   `json:"uncompressed_entries"`
	OriginalBytes       int64   `json:"original_bytes"`
	BytesSaved          int64   `json:"bytes_saved"`
	AvgRatio            float64 `json:"avg_ratio"`
}

// TypeMetrics is the per-content-type metrics surface exposed upward.
type TypeMetrics struct {
	Hits          int64            `json:"hits"`
	Misses        int64            `json:"misses"`
	TotalRequests int64            `json:"total_requests"`
	HitRate       float64          `json:"hit_rate"`
	Compression   CompressionStats `json:"compression"`
	LastUpdated   time.Time        `json:"last_updated"`
}

// HealthStatus is the aggregate health surface read by the monitoring layer.
type HealthStatus struct {
	Healthy               bool    `json:"healthy"`
	LatencyMs             float64 `json:"latency_ms"`
	MemoryPressure        float64 `json:"memory_pressure"`
	CompressionEfficiency float64 `json:"compression_efficiency"`
	TTLOptimization       float64 `json:"ttl_optimization"`
}

// OptimizeResult reports the outcome of a periodic optimize pass.
type OptimizeResult struct {
	PatternsCleanedUp      int     `json:"patterns_cleaned_up"`
	MemorySavedBytes       int64   `json:"memory_saved_bytes"`
	PerformanceImprovement float64 `json:"performance_improvement"`
}

// SetOptions carries optional metadata for Set operations.
type SetOptions struct {
	SessionID string
	UserID    string
	Context   string
	// Priority is an advisory retention score in [1,10]; 0 means default (5)
	Priority int
}

// GetOptions carries optional metadata for Get operations.
type GetOptions struct {
	SessionID string
	Context   string
}
