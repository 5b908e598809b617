package cacheopt_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
)

func newTestCache(t *testing.T) (*cacheopt.OptimizedCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := cacheopt.NewOptimizedCache(client, cacheopt.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cache.Close(ctx)
	})

	return cache, mr
}

func TestOptimizedCache_SetGetRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	data := map[string]interface{}{"label": "deployment", "confidence": 0.87}
	err := cache.Set(ctx, "classify this text", data, cacheopt.ContentTypeClassification, nil)
	require.NoError(t, err)

	got, found, err := cache.Get(ctx, "classify this text", cacheopt.ContentTypeClassification, nil)
	require.NoError(t, err)
	require.True(t, found)

	result, ok := got.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "deployment", result["label"])
	assert.InDelta(t, 0.87, result["confidence"], 1e-9)
}

func TestOptimizedCache_MissIsNotAnError(t *testing.T) {
	cache, _ := newTestCache(t)

	got, found, err := cache.Get(context.Background(), "never stored", cacheopt.ContentTypeSearch, nil)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestOptimizedCache_DeriveKey(t *testing.T) {
	cache, _ := newTestCache(t)

	base := cache.DeriveKey("What Is PgVector", cacheopt.ContentTypeSearch, "")

	tests := []struct {
		name  string
		input string
		ctx   string
		same  bool
	}{
		{name: "identical input", input: "What Is PgVector", ctx: "", same: true},
		{name: "case insensitive", input: "what is pgvector", ctx: "", same: true},
		{name: "whitespace insensitive", input: "  What Is PgVector  ", ctx: "", same: true},
		{name: "different text", input: "what is redis", ctx: "", same: false},
		{name: "context partitioned", input: "What Is PgVector", ctx: "tenant-1", same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := cache.DeriveKey(tt.input, cacheopt.ContentTypeSearch, tt.ctx)
			if tt.same {
				assert.Equal(t, base, key)
			} else {
				assert.NotEqual(t, base, key)
			}
		})
	}

	// Different content types never collide
	assert.NotEqual(t, base, cache.DeriveKey("What Is PgVector", cacheopt.ContentTypeEmbedding, ""))
}

func TestOptimizedCache_EmbeddingRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	embedding := make([]float64, 256)
	for i := range embedding {
		embedding[i] = float64(i) * 0.001
	}

	err := cache.Set(ctx, "embed this sentence", embedding, cacheopt.ContentTypeEmbedding, nil)
	require.NoError(t, err)

	got, found, err := cache.Get(ctx, "embed this sentence", cacheopt.ContentTypeEmbedding, nil)
	require.NoError(t, err)
	require.True(t, found)

	floats, ok := got.([]float64)
	require.True(t, ok)
	require.Len(t, floats, len(embedding))
	for i := range embedding {
		assert.InDelta(t, embedding[i], floats[i], 1e-5)
	}
}

func TestOptimizedCache_EntryExpiresViaStoreTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	err := cache.Set(ctx, "short lived", map[string]interface{}{"v": 1}, cacheopt.ContentTypeContextual, nil)
	require.NoError(t, err)

	_, found, err := cache.Get(ctx, "short lived", cacheopt.ContentTypeContextual, nil)
	require.NoError(t, err)
	require.True(t, found)

	// Jump past the contextual policy ceiling
	mr.FastForward(48 * time.Hour)

	_, found, err = cache.Get(ctx, "short lived", cacheopt.ContentTypeContextual, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOptimizedCache_StoreDownDegradesToMiss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := cacheopt.NewOptimizedCache(client, cacheopt.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cache.Close(ctx)
	}()

	mr.Close()
	ctx := context.Background()

	got, found, getErr := cache.Get(ctx, "anything", cacheopt.ContentTypeSearch, nil)
	assert.NoError(t, getErr)
	assert.False(t, found)
	assert.Nil(t, got)

	setErr := cache.Set(ctx, "anything", map[string]interface{}{"v": 1}, cacheopt.ContentTypeSearch, nil)
	assert.ErrorIs(t, setErr, cacheopt.ErrStoreUnavailable)
}

func TestOptimizedCache_LocalFallbackServesDuringOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := cacheopt.NewOptimizedCache(client, cacheopt.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cache.Close(ctx)
	}()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "survivor", map[string]interface{}{"v": 42}, cacheopt.ContentTypeSearch, nil))

	mr.Close()

	got, found, err := cache.Get(ctx, "survivor", cacheopt.ContentTypeSearch, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 42.0, got.(map[string]interface{})["v"].(float64), 1e-9)

	// Keys never stored locally still read as misses
	_, found, err = cache.Get(ctx, "never stored", cacheopt.ContentTypeSearch, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOptimizedCache_CorruptEntryTreatedAsMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	key := cache.DeriveKey("poisoned", cacheopt.ContentTypeSearch, "")
	require.NoError(t, mr.Set(key, "not json at all"))
	mr.SetTTL(key, time.Hour)

	got, found, err := cache.Get(ctx, "poisoned", cacheopt.ContentTypeSearch, nil)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestOptimizedCache_ExistsAndDelete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	assert.False(t, cache.Exists(ctx, "query", cacheopt.ContentTypeSearch, ""))

	require.NoError(t, cache.Set(ctx, "query", map[string]interface{}{"v": 1}, cacheopt.ContentTypeSearch, nil))
	assert.True(t, cache.Exists(ctx, "query", cacheopt.ContentTypeSearch, ""))

	require.NoError(t, cache.Delete(ctx, "query", cacheopt.ContentTypeSearch, ""))
	assert.False(t, cache.Exists(ctx, "query", cacheopt.ContentTypeSearch, ""))
}

func TestOptimizedCache_SessionMetadataFeedsPatterns(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	opts := &cacheopt.SetOptions{SessionID: "session-1", UserID: "user-1"}
	require.NoError(t, cache.Set(ctx, "shared question", map[string]interface{}{"v": 1}, cacheopt.ContentTypeSearch, opts))

	for _, session := range []string{"session-1", "session-2", "session-3"} {
		_, found, err := cache.Get(ctx, "shared question", cacheopt.ContentTypeSearch, &cacheopt.GetOptions{SessionID: session})
		require.NoError(t, err)
		require.True(t, found)
	}

	pattern, ok := cache.Tracker().Get("shared question")
	require.True(t, ok)
	assert.Equal(t, 3, pattern.SessionCount())
	assert.Equal(t, int64(4), pattern.AccessCount)
}

func TestOptimizedCache_Metrics(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	// One miss, then a set, then a hit
	_, found, err := cache.Get(ctx, "query", cacheopt.ContentTypeClassification, nil)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, cache.Set(ctx, "query", map[string]interface{}{"v": 1}, cacheopt.ContentTypeClassification, nil))

	_, found, err = cache.Get(ctx, "query", cacheopt.ContentTypeClassification, nil)
	require.NoError(t, err)
	require.True(t, found)

	metrics := cache.Metrics()
	m := metrics[cacheopt.ContentTypeClassification]
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.InDelta(t, 0.5, m.HitRate, 1e-9)

	// Classification stores uncompressed by default
	assert.Equal(t, int64(1), m.Compression.UncompressedEntries)
	assert.Equal(t, int64(0), m.Compression.CompressedEntries)
}

func TestOptimizedCache_MemoryPressure(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	pressure := cache.MemoryPressure(ctx)
	assert.GreaterOrEqual(t, pressure, 0.0)
	assert.LessOrEqual(t, pressure, 1.0)
}

func TestOptimizedCache_HealthCheck(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	status := cache.HealthCheck(ctx)
	assert.True(t, status.Healthy)
	assert.GreaterOrEqual(t, status.MemoryPressure, 0.0)
	assert.LessOrEqual(t, status.CompressionEfficiency, 1.0)
	assert.LessOrEqual(t, status.TTLOptimization, 1.0)
}

func TestOptimizedCache_Optimize(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "fresh entry", map[string]interface{}{"v": 1}, cacheopt.ContentTypeSearch, nil))
	require.Equal(t, 1, cache.Tracker().Len())

	// Nothing is idle past the default retention window
	result, err := cache.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PatternsCleanedUp)
	assert.Equal(t, int64(0), result.MemorySavedBytes)
	assert.Equal(t, 1, cache.Tracker().Len())
}
