package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
)

type fakeCache struct {
	mu       sync.Mutex
	stored   map[string]interface{}
	existing map[string]bool
	pressure float64
	setErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		stored:   make(map[string]interface{}),
		existing: make(map[string]bool),
	}
}

func (f *fakeCache) Exists(ctx context.Context, input string, contentType cacheopt.ContentType, keyContext string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[input]
}

func (f *fakeCache) Set(ctx context.Context, key string, data interface{}, contentType cacheopt.ContentType, opts *cacheopt.SetOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.stored[key] = data
	return nil
}

func (f *fakeCache) MemoryPressure(ctx context.Context) float64 {
	return f.pressure
}

func (f *fakeCache) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func makeQueries(n int) []Query {
	queries := make([]Query, n)
	for i := range queries {
		queries[i] = Query{
			Text:           fmt.Sprintf("warming candidate number %d", i),
			Type:           cacheopt.ContentTypeSearch,
			Priority:       5,
			EstimatedValue: 2,
			Source:         SourceManual,
		}
	}
	return queries
}

func TestExecutor_CountsAlwaysSumToInput(t *testing.T) {
	cache := newFakeCache()
	executor := NewExecutor(cache, nil, nil, nil)

	queries := makeQueries(12)
	result := executor.Execute(context.Background(), queries)

	assert.Equal(t, len(queries), result.Warmed+result.Failed+result.Skipped+result.AlreadyCached)
	assert.Len(t, result.Results, len(queries))
	assert.Equal(t, 12, result.Warmed)
	assert.Equal(t, 12, cache.storedCount())
	assert.NotEmpty(t, result.ID)

	// Two inter-batch pauses for 12 queries in batches of 5
	assert.GreaterOrEqual(t, result.Duration, 2*interBatchDelay)
}

func TestExecutor_AlreadyCachedDetected(t *testing.T) {
	cache := newFakeCache()
	queries := makeQueries(6)
	cache.existing[queries[0].Text] = true
	cache.existing[queries[3].Text] = true

	executor := NewExecutor(cache, nil, nil, nil)
	result := executor.Execute(context.Background(), queries)

	assert.Equal(t, 2, result.AlreadyCached)
	assert.Equal(t, 4, result.Warmed)
	assert.Equal(t, 4, cache.storedCount())
}

func TestExecutor_PressureGateSkipsLowPriority(t *testing.T) {
	cache := newFakeCache()
	cache.pressure = 0.9

	// Threshold at pressure 0.9 is 2 + 0.4*12 = 6.8
	queries := makeQueries(4)
	queries[0].Priority = 2
	queries[1].Priority = 5
	queries[2].Priority = 7
	queries[3].Priority = 10

	executor := NewExecutor(cache, nil, nil, nil)
	result := executor.Execute(context.Background(), queries)

	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 2, result.Warmed)
}

func TestExecutor_NoPressureWarmsEverything(t *testing.T) {
	executor := NewExecutor(newFakeCache(), nil, nil, nil)

	for p := 1; p <= 10; p++ {
		assert.True(t, executor.shouldWarmEntry(Query{Priority: p}, 0.3), "priority %d", p)
	}
}

func TestExecutor_ProducerInvoked(t *testing.T) {
	cache := newFakeCache()

	var produced []string
	producers := map[cacheopt.ContentType]Producer{
		cacheopt.ContentTypeEmbedding: func(ctx context.Context, text string, opts map[string]interface{}) (interface{}, bool, error) {
			produced = append(produced, text)
			return []float64{0.1, 0.2}, false, nil
		},
	}

	queries := []Query{
		{Text: "embed me", Type: cacheopt.ContentTypeEmbedding, Priority: 5, EstimatedValue: 1, Source: SourceManual},
		{Text: "search me", Type: cacheopt.ContentTypeSearch, Priority: 5, EstimatedValue: 1, Source: SourceManual},
	}

	executor := NewExecutor(cache, producers, nil, nil)
	result := executor.Execute(context.Background(), queries)

	assert.Equal(t, 2, result.Warmed)
	assert.Equal(t, []string{"embed me"}, produced)

	// The search query without a producer gets a placeholder population
	assert.Contains(t, cache.stored, "search me")
}

func TestExecutor_ProducerErrorCountsAsFailed(t *testing.T) {
	cache := newFakeCache()
	producers := map[cacheopt.ContentType]Producer{
		cacheopt.ContentTypeSearch: func(ctx context.Context, text string, opts map[string]interface{}) (interface{}, bool, error) {
			return nil, false, errors.New("upstream unavailable")
		},
	}

	executor := NewExecutor(cache, producers, nil, nil)
	result := executor.Execute(context.Background(), makeQueries(3))

	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 0, cache.storedCount())
	for _, r := range result.Results {
		assert.Equal(t, OutcomeFailed, r.Outcome)
		assert.NotEmpty(t, r.Error)
	}
}

func TestExecutor_ProducerReportsAlreadyCached(t *testing.T) {
	cache := newFakeCache()
	producers := map[cacheopt.ContentType]Producer{
		cacheopt.ContentTypeSearch: func(ctx context.Context, text string, opts map[string]interface{}) (interface{}, bool, error) {
			return nil, true, nil
		},
	}

	executor := NewExecutor(cache, producers, nil, nil)
	result := executor.Execute(context.Background(), makeQueries(2))

	assert.Equal(t, 2, result.AlreadyCached)
	assert.Equal(t, 0, cache.storedCount())
}

func TestExecutor_CancellationSkipsRemainder(t *testing.T) {
	cache := newFakeCache()
	executor := NewExecutor(cache, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	queries := makeQueries(12)
	result := executor.Execute(ctx, queries)

	assert.Equal(t, 12, result.Skipped)
	assert.Equal(t, 0, result.Warmed)
	assert.Equal(t, 0, cache.storedCount())
	assert.Equal(t, len(queries), result.Warmed+result.Failed+result.Skipped+result.AlreadyCached)
}

func TestExecutor_SetFailureCountsAsFailed(t *testing.T) {
	cache := newFakeCache()
	cache.setErr = errors.New("store down")

	executor := NewExecutor(cache, nil, nil, nil)
	result := executor.Execute(context.Background(), makeQueries(2))

	assert.Equal(t, 2, result.Failed)
}

func TestEstimateImpact(t *testing.T) {
	result := &ExecutionResult{Warmed: 10, warmedValue: 30}

	impact := EstimateImpact(result)
	assert.InDelta(t, 0.03, impact.HitRateImprovement, 1e-9)
	assert.InDelta(t, 500, impact.ResponseTimeImprovementMs, 1e-9)
	assert.InDelta(t, 0.01, impact.CostSavings, 1e-9)
}

func TestAnalyzeROI_Buckets(t *testing.T) {
	tests := []struct {
		name   string
		result *ExecutionResult
		want   string
	}{
		{
			name:   "high value pass continues",
			result: &ExecutionResult{Warmed: 50, warmedValue: 500, Duration: time.Second},
			want:   "continue",
		},
		{
			name:   "nothing warmed stops",
			result: &ExecutionResult{Warmed: 0, warmedValue: 0, Duration: 10 * time.Second},
			want:   "stop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := AnalyzeROI(tt.result)
			assert.Equal(t, tt.want, report.Recommendation)
		})
	}
}

func TestAnalyzeROI_Arithmetic(t *testing.T) {
	result := &ExecutionResult{Warmed: 10, warmedValue: 100, Duration: 2 * time.Second}
	report := AnalyzeROI(result)

	// benefit = 10*0.001 + 100/1000 = 0.11; cost = 2*0.01 + 10*0.0001 = 0.021
	assert.InDelta(t, 0.11, report.TotalBenefit, 1e-9)
	assert.InDelta(t, 0.021, report.TotalCost, 1e-9)
	assert.InDelta(t, (0.11-0.021)/0.021, report.ROI, 1e-9)
	assert.Equal(t, "continue", report.Recommendation)
}
