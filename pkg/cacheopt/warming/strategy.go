// Package warming generates and executes cache warming passes: strategy
// selection, query generation, batched execution against the cache, and
// ROI analytics over the results.
package warming

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
	"github.com/searchmesh/cacheopt/pkg/observability"
)

// Built-in strategy names
const (
	StrategyUsagePatterns     = "usage_patterns"
	StrategyFrequencyAnalysis = "frequency_analysis"
	StrategyPredictive        = "predictive"
	StrategyDomainSpecific    = "domain_specific"
	StrategyProactiveRefresh  = "proactive_refresh"
)

// Strategy is one warming approach with its runtime configuration.
// Lower Priority runs first.
type Strategy struct {
	Name     string                 `json:"name"`
	Priority int                    `json:"priority"`
	Enabled  bool                   `json:"enabled"`
	Config   map[string]interface{} `json:"config"`
}

// Recommendations summarizes what the next warming pass is expected to do.
type Recommendations struct {
	Recommendations  []string  `json:"recommendations"`
	NextWarmingTime  time.Time `json:"next_warming_time"`
	ExpectedQueries  int       `json:"expected_queries"`
	EstimatedBenefit float64   `json:"estimated_benefit"`
}

// configSchema validates strategy configs. Shared by all strategies; each
// key is optional but must be well-formed when present.
const configSchema = `{
	"type": "object",
	"properties": {
		"min_access_count":     {"type": "integer", "minimum": 1},
		"max_queries":          {"type": "integer", "minimum": 1},
		"confidence_threshold": {"type": "number", "minimum": 0, "maximum": 1},
		"lookback_hours":       {"type": "integer", "minimum": 1},
		"domains":              {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": true
}`

// Manager owns the strategy set. Mutations are atomic relative to a
// warming pass: EnabledSnapshot copies the enabled set under the lock, so
// a pass sees either the old or the new config for a strategy, never a
// torn read.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
	schema     *gojsonschema.Schema
	logger     observability.Logger
	metrics    observability.MetricsClient

	interval time.Duration
	lastPass time.Time
}

// NewManager builds a manager preloaded with the five built-in strategies,
// all enabled with default configs.
func NewManager(interval time.Duration, logger observability.Logger, metrics observability.MetricsClient) (*Manager, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchema))
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	m := &Manager{
		strategies: make(map[string]*Strategy),
		schema:     schema,
		logger:     logger,
		metrics:    metrics,
		interval:   interval,
	}

	for _, s := range defaultStrategies() {
		m.strategies[s.Name] = s
	}
	return m, nil
}

func defaultStrategies() []*Strategy {
	return []*Strategy{
		{
			Name:     StrategyUsagePatterns,
			Priority: 1,
			Enabled:  true,
			Config: map[string]interface{}{
				"min_access_count": 5,
				"max_queries":      50,
				"lookback_hours":   24,
			},
		},
		{
			Name:     StrategyFrequencyAnalysis,
			Priority: 2,
			Enabled:  true,
			Config: map[string]interface{}{
				"min_access_count": 3,
				"max_queries":      20,
			},
		},
		{
			Name:     StrategyPredictive,
			Priority: 3,
			Enabled:  true,
			Config: map[string]interface{}{
				"max_queries":          15,
				"confidence_threshold": 0.7,
			},
		},
		{
			Name:     StrategyDomainSpecific,
			Priority: 4,
			Enabled:  true,
			Config: map[string]interface{}{
				"max_queries": 10,
				"domains":     []string{"infrastructure", "deployment", "monitoring"},
			},
		},
		{
			Name:     StrategyProactiveRefresh,
			Priority: 5,
			Enabled:  true,
			Config: map[string]interface{}{
				"max_queries": 25,
			},
		},
	}
}

func (m *Manager) validateConfig(config map[string]interface{}) error {
	result, err := m.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid strategy config: %v", msgs)
	}
	return nil
}

// Add registers a strategy after validating its config. Replaces any
// existing strategy with the same name.
func (m *Manager) Add(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.Config != nil {
		if err := m.validateConfig(s.Config); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.Name] = &s

	m.logger.Info("Warming strategy registered", map[string]interface{}{
		"strategy": s.Name,
		"priority": s.Priority,
		"enabled":  s.Enabled,
	})
	return nil
}

// Remove drops a strategy entirely.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, name)
}

// Enable turns a strategy on.
func (m *Manager) Enable(name string) error {
	return m.setEnabled(name, true)
}

// Disable turns a strategy off without losing its config.
func (m *Manager) Disable(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.strategies[name]
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	s.Enabled = enabled
	return nil
}

// UpdateConfig validates and swaps a strategy's config.
func (m *Manager) UpdateConfig(name string, config map[string]interface{}) error {
	if err := m.validateConfig(config); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.strategies[name]
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	s.Config = config

	m.logger.Info("Warming strategy config updated", map[string]interface{}{
		"strategy": name,
	})
	return nil
}

// Get returns a copy of a strategy.
func (m *Manager) Get(name string) (Strategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.strategies[name]
	if !ok {
		return Strategy{}, false
	}
	return copyStrategy(s), true
}

// EnabledSnapshot returns copies of the enabled strategies sorted by
// priority, lowest first. A warming pass works off this snapshot.
func (m *Manager) EnabledSnapshot() []Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		if s.Enabled {
			out = append(out, copyStrategy(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func copyStrategy(s *Strategy) Strategy {
	cp := *s
	cp.Config = make(map[string]interface{}, len(s.Config))
	for k, v := range s.Config {
		cp.Config[k] = v
	}
	return cp
}

// Recommend adjusts strategy configs from live metrics and returns
// human-readable descriptions of what changed. Adjustments are applied
// directly; callers wanting a dry run should read EnabledSnapshot first.
func (m *Manager) Recommend(perf *cacheopt.PerformanceMetrics) []string {
	if perf == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []string

	if perf.MemoryPressure > 0.8 {
		for _, s := range m.strategies {
			scaleIntConfig(s.Config, "max_queries", 0.5, 1)
			bumpIntConfig(s.Config, "min_access_count", 2)
		}
		recs = append(recs, "memory pressure high: reduced max_queries and raised min_access_count across strategies")
	}

	if perf.HitRate < 0.5 {
		for _, s := range m.strategies {
			scaleIntConfig(s.Config, "max_queries", 1.5, 1)
			lowerIntConfig(s.Config, "min_access_count", 1, 1)
		}
		recs = append(recs, "hit rate low: widened max_queries and lowered min_access_count to warm more aggressively")
	}

	if perf.ResponseTimeMs > 500 {
		if s, ok := m.strategies[StrategyUsagePatterns]; ok {
			s.Priority = 1
		}
		if s, ok := m.strategies[StrategyPredictive]; ok {
			s.Priority = 2
		}
		recs = append(recs, "latency high: prioritized usage_patterns and predictive strategies")
	}

	if len(recs) > 0 {
		m.metrics.IncrementCounterWithLabels("cacheopt.warming.config_adjustments", float64(len(recs)), nil)
	}
	return recs
}

// Recommendations reports the expected shape of the next warming pass.
func (m *Manager) Recommendations(perf *cacheopt.PerformanceMetrics, patterns map[string]cacheopt.UsagePattern) *Recommendations {
	recs := m.Recommend(perf)

	m.mu.RLock()
	defer m.mu.RUnlock()

	expected := 0
	benefit := 0.0
	for _, s := range m.strategies {
		if !s.Enabled {
			continue
		}
		maxQ := intConfig(s.Config, "max_queries", 10)
		if s.Name == StrategyUsagePatterns {
			minAccess := intConfig(s.Config, "min_access_count", 5)
			eligible := 0
			for _, p := range patterns {
				if p.AccessCount > int64(minAccess) {
					eligible++
				}
			}
			if eligible < maxQ {
				maxQ = eligible
			}
		}
		expected += maxQ
	}
	// Benefit in the same currency units as the ROI model's cost savings
	benefit = float64(expected) * 0.001

	next := m.lastPass.Add(m.interval)
	if m.lastPass.IsZero() || next.Before(time.Now()) {
		next = time.Now().Add(m.interval)
	}

	return &Recommendations{
		Recommendations:  recs,
		NextWarmingTime:  next,
		ExpectedQueries:  expected,
		EstimatedBenefit: benefit,
	}
}

// MarkPass records that a warming pass ran, for scheduling predictions.
func (m *Manager) MarkPass(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPass = at
}

// Config helpers tolerating int/float64 values (JSON round-trips produce
// float64)

func intConfig(config map[string]interface{}, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatConfig(config map[string]interface{}, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func scaleIntConfig(config map[string]interface{}, key string, factor float64, floor int) {
	if _, ok := config[key]; !ok {
		return
	}
	v := int(float64(intConfig(config, key, floor)) * factor)
	if v < floor {
		v = floor
	}
	config[key] = v
}

func bumpIntConfig(config map[string]interface{}, key string, delta int) {
	if _, ok := config[key]; !ok {
		return
	}
	config[key] = intConfig(config, key, 1) + delta
}

func lowerIntConfig(config map[string]interface{}, key string, delta, floor int) {
	if _, ok := config[key]; !ok {
		return
	}
	v := intConfig(config, key, floor) - delta
	if v < floor {
		v = floor
	}
	config[key] = v
}
