package analytics

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/nexuscrm/usagewatch/internal/metrics"
	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

// Query selects the window and optional filters for ComputeUsageMetrics.
type Query struct {
	Start  time.Time
	End    time.Time
	UserID string
	Tier   usage.Tier
}

func (q Query) filter() usage.Filter {
	return usage.Filter{Start: q.Start, End: q.End, UserID: q.UserID, Tier: q.Tier}
}

func (q Query) cacheKey() string {
	return fmt.Sprintf("%d:%d:%s:%s", q.Start.Unix(), q.End.Unix(), q.UserID, q.Tier)
}

// Breakdown is the per-agent or per-tier slice of UsageMetrics.
type Breakdown struct {
	Interactions    int64   `json:"interactions"`
	Tokens          int64   `json:"tokens"`
	Users           int64   `json:"users"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// ConversionInsights is reserved for funnel metrics; only the shape is populated today.
type ConversionInsights struct {
	PotentialUpgrades       int      `json:"potential_upgrades"`
	ChurnRiskUsers          int      `json:"churn_risk_users"`
	HighValueUsers          int      `json:"high_value_users"`
	ConversionOpportunities []string `json:"conversion_opportunities"`
}

// UsageMetrics summarizes a window of usage events.
type UsageMetrics struct {
	PeriodStart        time.Time            `json:"period_start"`
	PeriodEnd          time.Time            `json:"period_end"`
	TotalInteractions  int64                `json:"total_interactions"`
	TotalTokens        int64                `json:"total_tokens"`
	UniqueUsers        int64                `json:"unique_users"`
	UniqueSessions     int64                `json:"unique_sessions"`
	AvgResponseTime    float64              `json:"avg_response_time"`
	AgentBreakdown     map[string]Breakdown `json:"agent_breakdown"`
	TierBreakdown      map[string]Breakdown `json:"tier_breakdown"`
	PeakHours          []int                `json:"peak_usage_hours"`
	ConversionInsights ConversionInsights   `json:"conversion_insights"`
}

func (m UsageMetrics) clone() UsageMetrics {
	m.AgentBreakdown = maps.Clone(m.AgentBreakdown)
	m.TierBreakdown = maps.Clone(m.TierBreakdown)
	m.PeakHours = slices.Clone(m.PeakHours)
	m.ConversionInsights.ConversionOpportunities = slices.Clone(m.ConversionInsights.ConversionOpportunities)
	return m
}

type accum struct {
	interactions int64
	tokens       int64
	responseMs   int64
}

func (a *accum) add(r usage.BreakdownRow) {
	a.interactions += r.Interactions
	a.tokens += r.Tokens
	a.responseMs += r.ResponseTimeMs
}

func (a accum) avg() float64 {
	if a.interactions == 0 {
		return 0
	}
	return float64(a.responseMs) / float64(a.interactions)
}

// ComputeUsageMetrics aggregates events in [q.Start, q.End) matching the
// optional user and tier filters. An empty window yields zeroed metrics.
// Results are cached by (window, filters) for the engine's cache TTL.
func (e *Engine) ComputeUsageMetrics(ctx context.Context, q Query) (*UsageMetrics, error) {
	key := q.cacheKey()
	if cached, ok, err := e.cache.Get(ctx, key); err != nil {
		metrics.MetricsCacheRequests.WithLabelValues("error").Inc()
		e.logger.Warn("metrics cache read failed", "key", key, "error", err)
	} else if ok {
		metrics.MetricsCacheRequests.WithLabelValues("hit").Inc()
		return cached, nil
	} else {
		metrics.MetricsCacheRequests.WithLabelValues("miss").Inc()
	}

	ctx, span := traces.StartSpan(ctx, "analytics.ComputeUsageMetrics", traces.UserID(q.UserID))
	m, err := e.computeUsageMetrics(ctx, q)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Set(ctx, key, m, e.cacheTTL); err != nil {
		e.logger.Warn("metrics cache write failed", "key", key, "error", err)
	}
	return m, nil
}

func (e *Engine) computeUsageMetrics(ctx context.Context, q Query) (*UsageMetrics, error) {
	f := q.filter()

	rows, err := e.store.Breakdown(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("usage breakdown: %w", err)
	}
	distinct, err := e.store.Distinct(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("distinct counts: %w", err)
	}
	agentUsers, err := e.store.DistinctUsersBy(ctx, f, usage.ByAgent)
	if err != nil {
		return nil, fmt.Errorf("distinct users by agent: %w", err)
	}
	tierUsers, err := e.store.DistinctUsersBy(ctx, f, usage.ByTier)
	if err != nil {
		return nil, fmt.Errorf("distinct users by tier: %w", err)
	}

	var total accum
	byAgent := make(map[string]*accum)
	byTier := make(map[string]*accum)
	var hours [24]int64

	for _, r := range rows {
		total.add(r)
		if byAgent[r.AgentID] == nil {
			byAgent[r.AgentID] = &accum{}
		}
		byAgent[r.AgentID].add(r)
		tier := string(r.Tier)
		if byTier[tier] == nil {
			byTier[tier] = &accum{}
		}
		byTier[tier].add(r)
		if r.Hour >= 0 && r.Hour < 24 {
			hours[r.Hour] += r.Interactions
		}
	}

	m := &UsageMetrics{
		PeriodStart:       q.Start,
		PeriodEnd:         q.End,
		TotalInteractions: total.interactions,
		TotalTokens:       total.tokens,
		UniqueUsers:       distinct.Users,
		UniqueSessions:    distinct.Sessions,
		AvgResponseTime:   total.avg(),
		AgentBreakdown:    make(map[string]Breakdown, len(byAgent)),
		TierBreakdown:     make(map[string]Breakdown, len(byTier)),
		PeakHours:         peakHours(hours, 3),
		ConversionInsights: ConversionInsights{
			ConversionOpportunities: []string{},
		},
	}
	for agent, a := range byAgent {
		m.AgentBreakdown[agent] = Breakdown{
			Interactions: a.interactions, Tokens: a.tokens,
			Users: agentUsers[agent], AvgResponseTime: a.avg(),
		}
	}
	for tier, a := range byTier {
		m.TierBreakdown[tier] = Breakdown{
			Interactions: a.interactions, Tokens: a.tokens,
			Users: tierUsers[tier], AvgResponseTime: a.avg(),
		}
	}
	return m, nil
}

// peakHours returns up to n hours with the most interactions, busiest
// first and ties to the lower hour. Hours without traffic are skipped.
func peakHours(hours [24]int64, n int) []int {
	out := make([]int, 0, n)
	for h, count := range hours {
		if count > 0 {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return hours[out[i]] > hours[out[j]]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// PercentageChange is the relative change from prev to cur in percent.
// It is 0 when both are zero and 100 when growing from zero.
func PercentageChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return (cur - prev) / prev * 100
}
