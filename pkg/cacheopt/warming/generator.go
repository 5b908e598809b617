package warming

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
	"github.com/searchmesh/cacheopt/pkg/observability"
)

// Query sources
const (
	SourceUsagePattern      = "usage_pattern"
	SourceFrequencyAnalysis = "frequency_analysis"
	SourcePredictive        = "predictive"
	SourceDomainSpecific    = "domain_specific"
	SourceProactiveRefresh  = "proactive_refresh"
	SourceManual            = "manual"
)

const (
	maxQueryTextLength = 500

	// Two queries sharing at least this fraction of their word sets are
	// the same candidate
	defaultDedupThreshold = 0.8
)

// Query is one warming candidate: text to produce and cache, plus scoring
// metadata used by the executor's cost/benefit gate.
type Query struct {
	Text           string              `json:"text"`
	Type           cacheopt.ContentType `json:"type"`
	Priority       int                 `json:"priority"`
	EstimatedValue float64             `json:"estimated_value"`
	Source         string              `json:"source"`
	SessionID      string              `json:"session_id,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
	Context        string              `json:"context,omitempty"`
}

// Generator turns enabled strategies into warming query lists. Usage data
// comes from the TTL manager's pattern tracker; static strategies carry
// their own candidate lists.
type Generator struct {
	ttl     *cacheopt.TTLManager
	logger  observability.Logger
	metrics observability.MetricsClient

	// Injectable clock for the time-of-day predictive lists
	now func() time.Time
}

// NewGenerator builds a generator over the given TTL manager.
func NewGenerator(ttl *cacheopt.TTLManager, logger observability.Logger, metrics observability.MetricsClient) *Generator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Generator{
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Generate produces the combined, validated, deduplicated query list for
// one warming pass. Strategies run in the order given (priority order when
// the caller uses Manager.EnabledSnapshot).
func (g *Generator) Generate(strategies []Strategy) []Query {
	var queries []Query
	for _, s := range strategies {
		var generated []Query
		switch s.Name {
		case StrategyUsagePatterns:
			generated = g.usagePatternQueries(s)
		case StrategyFrequencyAnalysis:
			generated = g.frequencyQueries(s)
		case StrategyPredictive:
			generated = g.predictiveQueries(s)
		case StrategyDomainSpecific:
			generated = g.domainQueries(s)
		case StrategyProactiveRefresh:
			generated = g.refreshQueries(s)
		default:
			g.logger.Warn("Unknown warming strategy, skipping", map[string]interface{}{
				"strategy": s.Name,
			})
			continue
		}

		g.metrics.IncrementCounterWithLabels("cacheopt.warming.queries_generated", float64(len(generated)), map[string]string{
			"strategy": s.Name,
		})
		queries = append(queries, generated...)
	}

	queries = g.Validate(queries)
	return Deduplicate(queries, defaultDedupThreshold)
}

// usagePatternQueries scores tracked patterns by access statistics and
// keeps the highest-value ones.
func (g *Generator) usagePatternQueries(s Strategy) []Query {
	minAccess := int64(intConfig(s.Config, "min_access_count", 5))
	maxQueries := intConfig(s.Config, "max_queries", 50)
	lookback := time.Duration(intConfig(s.Config, "lookback_hours", 24)) * time.Hour

	cutoff := g.now().Add(-lookback)
	var queries []Query
	for key, p := range g.ttl.Tracker().Snapshot() {
		if p.AccessCount <= minAccess || p.LastAccessed.Before(cutoff) {
			continue
		}
		queries = append(queries, Query{
			Text:           key,
			Type:           p.ContentType,
			Priority:       valueToPriority(patternValue(p, g.now())),
			EstimatedValue: patternValue(p, g.now()),
			Source:         SourceUsagePattern,
		})
	}

	sort.Slice(queries, func(i, j int) bool { return queries[i].EstimatedValue > queries[j].EstimatedValue })
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}

// patternValue scores a pattern: access volume, recency, and hit rate all
// raise the value of keeping the entry warm.
func patternValue(p cacheopt.UsagePattern, now time.Time) float64 {
	hours := now.Sub(p.LastAccessed).Hours()
	recency := 10 - hours
	if recency < 0 {
		recency = 0
	}
	return math.Log10(float64(p.AccessCount)+1)*2 + recency + p.HitRate*5
}

func valueToPriority(value float64) int {
	p := int(math.Round(value / 2))
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

// frequencyQueries draws from a fixed candidate list of perennially common
// searches, with priority decreasing by position.
func (g *Generator) frequencyQueries(s Strategy) []Query {
	candidates := []string{
		"deployment pipeline configuration",
		"service health monitoring",
		"database connection pooling",
		"api authentication flow",
		"container orchestration setup",
		"incident response runbook",
	}
	return listQueries(candidates, s, SourceFrequencyAnalysis, cacheopt.ContentTypeSearch)
}

// predictiveQueries conditions its candidate list on time of day: business
// hours favor operational queries, off-hours favor maintenance topics.
func (g *Generator) predictiveQueries(s Strategy) []Query {
	confidence := floatConfig(s.Config, "confidence_threshold", 0.7)

	hour := g.now().Hour()
	var candidates []string
	if hour >= 9 && hour < 17 {
		candidates = []string{
			"build failure troubleshooting",
			"pull request review checklist",
			"staging environment access",
			"feature flag rollout",
			"release notes draft",
		}
	} else {
		candidates = []string{
			"scheduled maintenance window",
			"backup verification procedure",
			"overnight batch job status",
			"on-call escalation policy",
		}
	}

	queries := listQueries(candidates, s, SourcePredictive, cacheopt.ContentTypeSearch)

	// Position implies confidence; drop the tail below the threshold
	kept := queries[:0]
	for i := range queries {
		if 1-float64(i)*0.1 < confidence {
			break
		}
		kept = append(kept, queries[i])
	}
	return kept
}

// domainQueries expands each configured domain into its topic list.
func (g *Generator) domainQueries(s Strategy) []Query {
	topics := map[string][]string{
		"infrastructure": {"terraform state management", "vpc network topology", "load balancer configuration"},
		"deployment":     {"blue green deployment", "canary release strategy", "rollback procedure"},
		"monitoring":     {"alert threshold tuning", "dashboard panel setup", "log aggregation queries"},
	}

	var domains []string
	switch v := s.Config["domains"].(type) {
	case []string:
		domains = v
	case []interface{}:
		for _, d := range v {
			if str, ok := d.(string); ok {
				domains = append(domains, str)
			}
		}
	}
	if len(domains) == 0 {
		for d := range topics {
			domains = append(domains, d)
		}
		sort.Strings(domains)
	}

	var candidates []string
	for _, d := range domains {
		candidates = append(candidates, topics[d]...)
	}
	return listQueries(candidates, s, SourceDomainSpecific, cacheopt.ContentTypeSearch)
}

// refreshQueries surfaces entries the TTL manager flags as stale but still
// popular, so they are refreshed before their store expiry.
func (g *Generator) refreshQueries(s Strategy) []Query {
	maxQueries := intConfig(s.Config, "max_queries", 25)
	now := g.now()

	var queries []Query
	for key, p := range g.ttl.Tracker().Snapshot() {
		age := now.Sub(p.LastAccessed)
		if !g.ttl.ShouldProactivelyRefresh(key, p.ContentType, age) {
			continue
		}
		queries = append(queries, Query{
			Text:           key,
			Type:           p.ContentType,
			Priority:       valueToPriority(patternValue(p, now)),
			EstimatedValue: patternValue(p, now),
			Source:         SourceProactiveRefresh,
		})
	}

	sort.Slice(queries, func(i, j int) bool { return queries[i].EstimatedValue > queries[j].EstimatedValue })
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}

// listQueries builds queries from a static candidate list with priority
// decreasing by position, capped at the strategy's max_queries.
func listQueries(candidates []string, s Strategy, source string, contentType cacheopt.ContentType) []Query {
	maxQueries := intConfig(s.Config, "max_queries", len(candidates))
	if len(candidates) > maxQueries {
		candidates = candidates[:maxQueries]
	}

	queries := make([]Query, 0, len(candidates))
	for i, text := range candidates {
		priority := 8 - i
		if priority < 1 {
			priority = 1
		}
		queries = append(queries, Query{
			Text:           text,
			Type:           contentType,
			Priority:       priority,
			EstimatedValue: float64(priority),
			Source:         source,
		})
	}
	return queries
}

// Validate drops malformed queries: empty or over-long text, priority
// outside [1,10], negative value. Offenders are logged and discarded, not
// retried.
func (g *Generator) Validate(queries []Query) []Query {
	valid := make([]Query, 0, len(queries))
	for _, q := range queries {
		if err := validateQuery(q); err != nil {
			g.logger.Debug("Dropping invalid warming query", map[string]interface{}{
				"source": q.Source,
				"error":  err.Error(),
			})
			g.metrics.IncrementCounterWithLabels("cacheopt.warming.queries_dropped", 1, map[string]string{
				"source": q.Source,
			})
			continue
		}
		valid = append(valid, q)
	}
	return valid
}

func validateQuery(q Query) error {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return fmt.Errorf("empty query text")
	}
	if len(q.Text) > maxQueryTextLength {
		return fmt.Errorf("query text exceeds %d characters", maxQueryTextLength)
	}
	if q.Priority < 1 || q.Priority > 10 {
		return fmt.Errorf("priority %d outside [1,10]", q.Priority)
	}
	if q.EstimatedValue < 0 {
		return fmt.Errorf("negative estimated value")
	}
	return nil
}

// Deduplicate removes near-duplicate queries by Jaccard similarity of
// their whitespace token sets, keeping the first occurrence.
func Deduplicate(queries []Query, threshold float64) []Query {
	if threshold <= 0 {
		threshold = defaultDedupThreshold
	}

	kept := make([]Query, 0, len(queries))
	tokenSets := make([]map[string]struct{}, 0, len(queries))

	for _, q := range queries {
		tokens := tokenize(q.Text)
		duplicate := false
		for _, existing := range tokenSets {
			if jaccard(tokens, existing) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, q)
		tokenSets = append(tokenSets, tokens)
	}
	return kept
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		tokens[w] = struct{}{}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
