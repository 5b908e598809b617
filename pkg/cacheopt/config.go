package cacheopt

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TypeConfig controls per-content-type behavior of the facade.
type TypeConfig struct {
	// CompressionEnabled gates the compression engine for this type
	CompressionEnabled bool `mapstructure:"compression_enabled"`
	// UsageTrackingEnabled gates pattern recording for this type
	UsageTrackingEnabled bool `mapstructure:"usage_tracking_enabled"`
}

// CompressionConfig holds thresholds and gzip levels per serialization class.
type CompressionConfig struct {
	// Thresholds are minimum serialized sizes (bytes) before compression
	// is attempted, keyed by serialization class
	Thresholds map[string]int `mapstructure:"thresholds"`
	// Levels are gzip levels per serialization class
	Levels map[string]int `mapstructure:"levels"`
	// MinRatio is the minimum compression ratio worth keeping
	MinRatio float64 `mapstructure:"min_ratio"`
	// MaxDecompressedBytes bounds gunzip output
	MaxDecompressedBytes int64 `mapstructure:"max_decompressed_bytes"`
}

// Config configures the cache optimization subsystem. Construct with
// DefaultConfig and override fields, or load with LoadConfigFromViper.
type Config struct {
	// Prefix is the store key prefix for all entries
	Prefix string `mapstructure:"prefix"`
	// CapacityCeiling is the assumed key capacity used by the memory
	// pressure estimate
	CapacityCeiling int `mapstructure:"capacity_ceiling"`
	// LocalCacheSize bounds the in-process hot-entry cache
	LocalCacheSize int `mapstructure:"local_cache_size"`
	// ScanBatchSize is the per-round-trip key count for store scans
	ScanBatchSize int64 `mapstructure:"scan_batch_size"`
	// PatternRetention is how long idle usage patterns are kept
	PatternRetention time.Duration `mapstructure:"pattern_retention"`
	// PressureInterval is how long a memory pressure estimate is reused
	PressureInterval time.Duration `mapstructure:"pressure_interval"`

	TypeConfigs map[ContentType]TypeConfig `mapstructure:"type_configs"`
	TTLPolicies map[ContentType]TTLPolicy  `mapstructure:"ttl_policies"`
	Compression CompressionConfig          `mapstructure:"compression"`

	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// DefaultTTLPolicies returns the shipped per-type TTL policies.
// Embeddings are expensive to recompute and long-lived; contextual
// expansions go stale quickly.
func DefaultTTLPolicies() map[ContentType]TTLPolicy {
	return map[ContentType]TTLPolicy{
		ContentTypeEmbedding:      {BaseSeconds: 86400, MinSeconds: 3600, MaxSeconds: 604800, AdaptiveFactor: 1.0},
		ContentTypeSearch:         {BaseSeconds: 3600, MinSeconds: 300, MaxSeconds: 86400, AdaptiveFactor: 1.0},
		ContentTypeClassification: {BaseSeconds: 21600, MinSeconds: 600, MaxSeconds: 172800, AdaptiveFactor: 1.0},
		ContentTypeContextual:     {BaseSeconds: 1800, MinSeconds: 300, MaxSeconds: 43200, AdaptiveFactor: 1.0},
	}
}

// DefaultConfig returns production defaults. Classification payloads are
// small and low-benefit, so compression is disabled for them.
func DefaultConfig() *Config {
	return &Config{
		Prefix:           "cacheopt",
		CapacityCeiling:  100000,
		LocalCacheSize:   1024,
		ScanBatchSize:    100,
		PatternRetention: 168 * time.Hour,
		PressureInterval: 30 * time.Second,
		TypeConfigs: map[ContentType]TypeConfig{
			ContentTypeEmbedding:      {CompressionEnabled: true, UsageTrackingEnabled: true},
			ContentTypeSearch:         {CompressionEnabled: true, UsageTrackingEnabled: true},
			ContentTypeClassification: {CompressionEnabled: false, UsageTrackingEnabled: true},
			ContentTypeContextual:     {CompressionEnabled: true, UsageTrackingEnabled: true},
		},
		TTLPolicies: DefaultTTLPolicies(),
		Compression: CompressionConfig{
			Thresholds: map[string]int{
				"embedding": 1024,
				"search":    2048,
				"text":      512,
				"json":      1024,
			},
			Levels: map[string]int{
				"embedding": 6,
				"search":    4,
				"text":      9,
				"json":      7,
			},
			MinRatio:             1.1,
			MaxDecompressedBytes: 100 * 1024 * 1024,
		},
		EnableMetrics: true,
	}
}

// Validate checks invariants on the configuration.
func (c *Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("%w: prefix is required", ErrInvalidConfig)
	}
	if c.CapacityCeiling <= 0 {
		return fmt.Errorf("%w: capacity ceiling must be positive", ErrInvalidConfig)
	}
	for ct, policy := range c.TTLPolicies {
		if policy.MinSeconds <= 0 || policy.MaxSeconds < policy.MinSeconds {
			return fmt.Errorf("%w: ttl policy for %s has invalid bounds", ErrInvalidConfig, ct)
		}
		if policy.BaseSeconds < policy.MinSeconds || policy.BaseSeconds > policy.MaxSeconds {
			return fmt.Errorf("%w: ttl policy for %s has base outside [min,max]", ErrInvalidConfig, ct)
		}
	}
	if c.Compression.MinRatio < 1.0 {
		return fmt.Errorf("%w: compression min ratio must be >= 1.0", ErrInvalidConfig)
	}
	return nil
}

// LoadConfigFromViper loads subsystem configuration from viper keys under
// cache.optimization.*, falling back to defaults for anything unset.
func LoadConfigFromViper() (*Config, error) {
	config := DefaultConfig()

	if !viper.GetBool("cache.optimization.enabled") {
		return nil, fmt.Errorf("cache optimization is disabled in configuration")
	}

	if prefix := viper.GetString("cache.optimization.prefix"); prefix != "" {
		config.Prefix = prefix
	}
	if ceiling := viper.GetInt("cache.optimization.capacity_ceiling"); ceiling > 0 {
		config.CapacityCeiling = ceiling
	}
	if size := viper.GetInt("cache.optimization.local_cache_size"); size > 0 {
		config.LocalCacheSize = size
	}
	if batch := viper.GetInt64("cache.optimization.scan_batch_size"); batch > 0 {
		config.ScanBatchSize = batch
	}
	if retention := viper.GetDuration("cache.optimization.pattern_retention"); retention > 0 {
		config.PatternRetention = retention
	}
	if ratio := viper.GetFloat64("cache.optimization.compression.min_ratio"); ratio >= 1.0 {
		config.Compression.MinRatio = ratio
	}

	for _, ct := range ContentTypes() {
		base := fmt.Sprintf("cache.optimization.types.%s", ct)
		tc := config.TypeConfigs[ct]
		if viper.IsSet(base + ".compression_enabled") {
			tc.CompressionEnabled = viper.GetBool(base + ".compression_enabled")
		}
		if viper.IsSet(base + ".usage_tracking_enabled") {
			tc.UsageTrackingEnabled = viper.GetBool(base + ".usage_tracking_enabled")
		}
		config.TypeConfigs[ct] = tc

		policy := config.TTLPolicies[ct]
		if v := viper.GetInt(base + ".ttl.base_seconds"); v > 0 {
			policy.BaseSeconds = v
		}
		if v := viper.GetInt(base + ".ttl.min_seconds"); v > 0 {
			policy.MinSeconds = v
		}
		if v := viper.GetInt(base + ".ttl.max_seconds"); v > 0 {
			policy.MaxSeconds = v
		}
		config.TTLPolicies[ct] = policy
	}

	if viper.IsSet("monitoring.metrics.enabled") {
		config.EnableMetrics = viper.GetBool("monitoring.metrics.enabled")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
