package warming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(15*time.Minute, nil, nil)
	require.NoError(t, err)
	return m
}

func TestManager_DefaultStrategies(t *testing.T) {
	m := newTestManager(t)

	snapshot := m.EnabledSnapshot()
	require.Len(t, snapshot, 5)

	// Sorted by priority, lowest first
	wantOrder := []string{
		StrategyUsagePatterns,
		StrategyFrequencyAnalysis,
		StrategyPredictive,
		StrategyDomainSpecific,
		StrategyProactiveRefresh,
	}
	for i, name := range wantOrder {
		assert.Equal(t, name, snapshot[i].Name)
	}
}

func TestManager_EnableDisable(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Disable(StrategyPredictive))
	for _, s := range m.EnabledSnapshot() {
		assert.NotEqual(t, StrategyPredictive, s.Name)
	}

	require.NoError(t, m.Enable(StrategyPredictive))
	assert.Len(t, m.EnabledSnapshot(), 5)

	assert.Error(t, m.Enable("no such strategy"))
}

func TestManager_UpdateConfigValidation(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name    string
		config  map[string]interface{}
		wantErr bool
	}{
		{
			name:   "valid config",
			config: map[string]interface{}{"min_access_count": 10, "max_queries": 5},
		},
		{
			name:    "min_access_count below one",
			config:  map[string]interface{}{"min_access_count": 0},
			wantErr: true,
		},
		{
			name:    "confidence above one",
			config:  map[string]interface{}{"confidence_threshold": 1.5},
			wantErr: true,
		},
		{
			name:    "max_queries wrong type",
			config:  map[string]interface{}{"max_queries": "lots"},
			wantErr: true,
		},
		{
			name:   "confidence at bounds",
			config: map[string]interface{}{"confidence_threshold": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.UpdateConfig(StrategyUsagePatterns, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_UpdateConfigUnknownStrategy(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.UpdateConfig("nope", map[string]interface{}{"max_queries": 1}))
}

func TestManager_AddRemove(t *testing.T) {
	m := newTestManager(t)

	err := m.Add(Strategy{
		Name:     "custom",
		Priority: 0,
		Enabled:  true,
		Config:   map[string]interface{}{"max_queries": 3},
	})
	require.NoError(t, err)

	snapshot := m.EnabledSnapshot()
	require.Len(t, snapshot, 6)
	assert.Equal(t, "custom", snapshot[0].Name)

	m.Remove("custom")
	assert.Len(t, m.EnabledSnapshot(), 5)

	assert.Error(t, m.Add(Strategy{Name: ""}))
	assert.Error(t, m.Add(Strategy{Name: "bad", Config: map[string]interface{}{"min_access_count": -1}}))
}

func TestManager_SnapshotIsACopy(t *testing.T) {
	m := newTestManager(t)

	snapshot := m.EnabledSnapshot()
	snapshot[0].Config["max_queries"] = 1

	again, ok := m.Get(snapshot[0].Name)
	require.True(t, ok)
	assert.NotEqual(t, 1, again.Config["max_queries"])
}

func TestManager_RecommendUnderMemoryPressure(t *testing.T) {
	m := newTestManager(t)

	before, ok := m.Get(StrategyUsagePatterns)
	require.True(t, ok)

	recs := m.Recommend(&cacheopt.PerformanceMetrics{
		HitRate:        0.7,
		ResponseTimeMs: 100,
		MemoryPressure: 0.9,
	})
	require.NotEmpty(t, recs)

	after, ok := m.Get(StrategyUsagePatterns)
	require.True(t, ok)

	assert.Less(t, intConfig(after.Config, "max_queries", 0), intConfig(before.Config, "max_queries", 0))
	assert.Greater(t, intConfig(after.Config, "min_access_count", 0), intConfig(before.Config, "min_access_count", 0))
}

func TestManager_RecommendLowHitRateWarmsMore(t *testing.T) {
	m := newTestManager(t)

	before, _ := m.Get(StrategyFrequencyAnalysis)

	recs := m.Recommend(&cacheopt.PerformanceMetrics{
		HitRate:        0.3,
		ResponseTimeMs: 100,
		MemoryPressure: 0.4,
	})
	require.NotEmpty(t, recs)

	after, _ := m.Get(StrategyFrequencyAnalysis)
	assert.Greater(t, intConfig(after.Config, "max_queries", 0), intConfig(before.Config, "max_queries", 0))
}

func TestManager_HealthySystemNoRecommendations(t *testing.T) {
	m := newTestManager(t)

	recs := m.Recommend(&cacheopt.PerformanceMetrics{
		HitRate:        0.8,
		ResponseTimeMs: 100,
		MemoryPressure: 0.4,
	})
	assert.Empty(t, recs)
	assert.Empty(t, m.Recommend(nil))
}

func TestManager_Recommendations(t *testing.T) {
	m := newTestManager(t)

	patterns := map[string]cacheopt.UsagePattern{
		"hot":  {Key: "hot", AccessCount: 100},
		"cold": {Key: "cold", AccessCount: 1},
	}

	recs := m.Recommendations(&cacheopt.PerformanceMetrics{HitRate: 0.8, ResponseTimeMs: 100, MemoryPressure: 0.4}, patterns)
	require.NotNil(t, recs)

	assert.Greater(t, recs.ExpectedQueries, 0)
	assert.Greater(t, recs.EstimatedBenefit, 0.0)
	assert.True(t, recs.NextWarmingTime.After(time.Now()))
}
