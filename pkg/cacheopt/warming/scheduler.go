package warming

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
	"github.com/searchmesh/cacheopt/pkg/observability"
)

const passTimeout = 5 * time.Minute

// MetricsSource supplies live performance signals for config
// recommendations. (*cacheopt.OptimizedCache).PerformanceSnapshot
// satisfies it.
type MetricsSource func(ctx context.Context) *cacheopt.PerformanceMetrics

// Scheduler runs warming passes on an interval: recommend config
// adjustments from live metrics, generate, execute, record ROI.
type Scheduler struct {
	manager   *Manager
	generator *Generator
	executor  *Executor
	metrics   MetricsSource
	interval  time.Duration
	logger    observability.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler wires a scheduler from the warming components.
func NewScheduler(
	manager *Manager,
	generator *Generator,
	executor *Executor,
	metricsSource MetricsSource,
	interval time.Duration,
	logger observability.Logger,
) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger("cacheopt.warming.scheduler")
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	return &Scheduler{
		manager:   manager,
		generator: generator,
		executor:  executor,
		metrics:   metricsSource,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic warming. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-ctx.Done():
				s.logger.Info("Warming scheduler stopped due to context cancellation", map[string]interface{}{})
				return
			case <-s.stopCh:
				s.logger.Info("Warming scheduler stopped", map[string]interface{}{})
				return
			}
		}
	}()
}

// Stop halts scheduling and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// runPass executes one warming cycle.
func (s *Scheduler) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in warming pass", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()

	passCtx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	if s.metrics != nil {
		if perf := s.metrics(passCtx); perf != nil {
			for _, rec := range s.manager.Recommend(perf) {
				s.logger.Info("Warming config adjusted", map[string]interface{}{
					"adjustment": rec,
				})
			}
		}
	}

	queries := s.generator.Generate(s.manager.EnabledSnapshot())
	if len(queries) == 0 {
		s.logger.Debug("No warming queries generated", map[string]interface{}{})
		return
	}

	result := s.executor.Execute(passCtx, queries)
	s.manager.MarkPass(time.Now())

	roi := AnalyzeROI(result)
	s.logger.Info("Warming pass analyzed", map[string]interface{}{
		"pass_id":        result.ID,
		"roi":            roi.ROI,
		"recommendation": roi.Recommendation,
	})
}
