package warming

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
	"github.com/searchmesh/cacheopt/pkg/observability"
)

const (
	batchSize       = 5
	interBatchDelay = 100 * time.Millisecond

	// ROI model constants
	hitRateValueDivisor   = 1000
	responseGainPerWarmMs = 50
	savingsPerWarmedEntry = 0.001
	executionCostPerSec   = 0.01
	storageCostPerEntry   = 0.0001
)

// Outcome classifies one query's result within a pass.
type Outcome string

const (
	OutcomeWarmed        Outcome = "warmed"
	OutcomeFailed        Outcome = "failed"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeAlreadyCached Outcome = "already_cached"
)

// Producer computes the value for a warming query so it can be cached.
// It returns the produced value and whether the production pipeline found
// it already materialized elsewhere.
type Producer func(ctx context.Context, text string, opts map[string]interface{}) (interface{}, bool, error)

// Cache is the facade surface the executor needs. *cacheopt.OptimizedCache
// satisfies it.
type Cache interface {
	Exists(ctx context.Context, input string, contentType cacheopt.ContentType, keyContext string) bool
	Set(ctx context.Context, key string, data interface{}, contentType cacheopt.ContentType, opts *cacheopt.SetOptions) error
	MemoryPressure(ctx context.Context) float64
}

// QueryResult records one query's outcome within an execution.
type QueryResult struct {
	Text    string  `json:"text"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// ExecutionResult summarizes one warming pass. Warmed + Failed + Skipped +
// AlreadyCached always equals the number of input queries.
type ExecutionResult struct {
	ID            string        `json:"id"`
	Warmed        int           `json:"warmed"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	AlreadyCached int           `json:"already_cached"`
	Results       []QueryResult `json:"results"`
	Duration      time.Duration `json:"duration"`

	// Accumulated during the pass for the ROI model
	warmedValue float64
}

// ImpactEstimate projects the benefit of a completed pass.
type ImpactEstimate struct {
	HitRateImprovement        float64 `json:"hit_rate_improvement"`
	ResponseTimeImprovementMs float64 `json:"response_time_improvement_ms"`
	CostSavings               float64 `json:"cost_savings"`
}

// ROIReport scores a pass and buckets it into a recommendation.
type ROIReport struct {
	TotalBenefit   float64 `json:"total_benefit"`
	TotalCost      float64 `json:"total_cost"`
	ROI            float64 `json:"roi"`
	Recommendation string  `json:"recommendation"`
}

// Executor runs warming queries against the cache in bounded batches. One
// producer per content type; types without a producer get a lightweight
// placeholder population.
type Executor struct {
	cache     Cache
	producers map[cacheopt.ContentType]Producer
	limiter   *rate.Limiter
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewExecutor builds an executor. producers may be nil or partial.
func NewExecutor(cache Cache, producers map[cacheopt.ContentType]Producer, logger observability.Logger, metrics observability.MetricsClient) *Executor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if producers == nil {
		producers = make(map[cacheopt.ContentType]Producer)
	}
	return &Executor{
		cache:     cache,
		producers: producers,
		// Bounds producer invocations; batching already paces store load
		limiter: rate.NewLimiter(rate.Limit(50), batchSize),
		logger:  logger,
		metrics: metrics,
	}
}

// Execute runs the queries in batches of five with a short pause between
// batches. Cancellation marks every unprocessed query skipped; in-flight
// entries are never left corrupt because each query is a single store
// write.
func (e *Executor) Execute(ctx context.Context, queries []Query) *ExecutionResult {
	result := &ExecutionResult{
		ID:      uuid.New().String(),
		Results: make([]QueryResult, 0, len(queries)),
	}
	start := time.Now()

	pressure := e.cache.MemoryPressure(ctx)

	for batchStart := 0; batchStart < len(queries); batchStart += batchSize {
		if ctx.Err() != nil {
			e.skipRemainder(result, queries[batchStart:])
			break
		}

		end := batchStart + batchSize
		if end > len(queries) {
			end = len(queries)
		}

		for _, q := range queries[batchStart:end] {
			if ctx.Err() != nil {
				result.Skipped++
				result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeSkipped})
				continue
			}
			e.executeOne(ctx, q, pressure, result)
		}

		if end < len(queries) {
			select {
			case <-time.After(interBatchDelay):
			case <-ctx.Done():
			}
		}
	}

	result.Duration = time.Since(start)

	e.logger.Info("Warming pass complete", map[string]interface{}{
		"pass_id":        result.ID,
		"warmed":         result.Warmed,
		"failed":         result.Failed,
		"skipped":        result.Skipped,
		"already_cached": result.AlreadyCached,
		"duration_ms":    result.Duration.Milliseconds(),
	})
	e.metrics.IncrementCounterWithLabels("cacheopt.warming.entries_warmed", float64(result.Warmed), nil)
	e.metrics.RecordTimer("cacheopt.warming.pass_duration", result.Duration, nil)

	return result
}

func (e *Executor) skipRemainder(result *ExecutionResult, remaining []Query) {
	for _, q := range remaining {
		result.Skipped++
		result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeSkipped})
	}
}

func (e *Executor) executeOne(ctx context.Context, q Query, pressure float64, result *ExecutionResult) {
	if !e.shouldWarmEntry(q, pressure) {
		result.Skipped++
		result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeSkipped})
		return
	}

	if e.cache.Exists(ctx, q.Text, q.Type, q.Context) {
		result.AlreadyCached++
		result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeAlreadyCached})
		return
	}

	data, alreadyCached, err := e.produce(ctx, q)
	if err != nil {
		result.Failed++
		result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeFailed, Error: err.Error()})
		e.logger.Warn("Warming query failed", map[string]interface{}{
			"source": q.Source,
			"error":  err.Error(),
		})
		return
	}
	if alreadyCached {
		result.AlreadyCached++
		result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeAlreadyCached})
		return
	}

	opts := &cacheopt.SetOptions{
		SessionID: q.SessionID,
		UserID:    q.UserID,
		Context:   q.Context,
		Priority:  q.Priority,
	}
	if err := e.cache.Set(ctx, q.Text, data, q.Type, opts); err != nil {
		result.Failed++
		result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeFailed, Error: err.Error()})
		return
	}

	result.Warmed++
	result.warmedValue += q.EstimatedValue
	result.Results = append(result.Results, QueryResult{Text: q.Text, Outcome: OutcomeWarmed})
}

// produce invokes the content type's producer, or a placeholder population
// for types without one.
func (e *Executor) produce(ctx context.Context, q Query) (interface{}, bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	if producer, ok := e.producers[q.Type]; ok {
		return producer(ctx, q.Text, map[string]interface{}{
			"source":   q.Source,
			"priority": q.Priority,
		})
	}

	placeholder := map[string]interface{}{
		"query":     q.Text,
		"warmed":    true,
		"source":    q.Source,
		"warmed_at": time.Now().UTC().Format(time.RFC3339),
	}
	return placeholder, false, nil
}

// shouldWarmEntry gates low-priority queries as memory pressure rises: the
// fuller the store, the higher the priority needed to justify a write.
func (e *Executor) shouldWarmEntry(q Query, pressure float64) bool {
	if pressure <= 0.5 {
		return true
	}
	// Threshold climbs from 2 at pressure 0.5 to 8 at pressure 1.0
	threshold := 2 + (pressure-0.5)*12
	return float64(q.Priority) >= threshold
}

// EstimateImpact projects the benefit of a pass using the warming value
// accumulated from successful queries.
func EstimateImpact(result *ExecutionResult) *ImpactEstimate {
	return &ImpactEstimate{
		HitRateImprovement:        result.warmedValue / hitRateValueDivisor,
		ResponseTimeImprovementMs: float64(result.Warmed) * responseGainPerWarmMs,
		CostSavings:               float64(result.Warmed) * savingsPerWarmedEntry,
	}
}

// AnalyzeROI scores a pass: benefit from the impact model against
// execution-time and per-entry storage costs, bucketed into a
// recommendation.
func AnalyzeROI(result *ExecutionResult) *ROIReport {
	impact := EstimateImpact(result)

	benefit := impact.CostSavings + impact.HitRateImprovement
	cost := result.Duration.Seconds()*executionCostPerSec + float64(result.Warmed)*storageCostPerEntry

	report := &ROIReport{
		TotalBenefit: benefit,
		TotalCost:    cost,
	}
	if cost > 0 {
		report.ROI = (benefit - cost) / cost
	}

	switch {
	case report.ROI > 2:
		report.Recommendation = "continue"
	case report.ROI > 0.5:
		report.Recommendation = "optimize"
	case report.ROI > 0:
		report.Recommendation = "reduce"
	default:
		report.Recommendation = "stop"
	}
	return report
}
