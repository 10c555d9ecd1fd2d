package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

// AgentPerformance is one agent's health over a trailing window.
type AgentPerformance struct {
	AgentID           string  `json:"agent_id"`
	PeriodDays        int     `json:"period_days"`
	TotalInteractions int64   `json:"total_interactions"`
	TotalTokens       int64   `json:"total_tokens"`
	UniqueUsers       int64   `json:"unique_users"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	SuccessRate       float64 `json:"success_rate"`
	UserSatisfaction  float64 `json:"user_satisfaction"`
	TokenEfficiency   float64 `json:"token_efficiency"`
	PeakHours         []int   `json:"peak_usage_hours"`
}

// AgentPerformance summarizes agentID over the trailing days. Success rate
// and satisfaction are latency heuristics, not measured outcomes.
func (e *Engine) AgentPerformance(ctx context.Context, agentID string, days int) (*AgentPerformance, error) {
	if days <= 0 {
		days = 7
	}
	ctx, span := traces.StartSpan(ctx, "analytics.AgentPerformance", traces.AgentID(agentID))
	var err error
	defer func() { traces.End(span, err) }()

	f := usage.Filter{Start: e.now().UTC().AddDate(0, 0, -days), AgentID: agentID}
	var rows []usage.BreakdownRow
	if rows, err = e.store.Breakdown(ctx, f); err != nil {
		return nil, fmt.Errorf("agent breakdown: %w", err)
	}
	var distinct usage.DistinctCounts
	if distinct, err = e.store.Distinct(ctx, f); err != nil {
		return nil, fmt.Errorf("agent distinct users: %w", err)
	}

	var total accum
	var hours [24]int64
	for _, r := range rows {
		total.add(r)
		if r.Hour >= 0 && r.Hour < 24 {
			hours[r.Hour] += r.Interactions
		}
	}
	avg := total.avg()
	interactions := total.interactions
	if interactions < 1 {
		interactions = 1
	}

	return &AgentPerformance{
		AgentID:           agentID,
		PeriodDays:        days,
		TotalInteractions: total.interactions,
		TotalTokens:       total.tokens,
		UniqueUsers:       distinct.Users,
		AvgResponseTime:   avg,
		SuccessRate:       clamp(0.1, 1, 1-avg/10000),
		UserSatisfaction:  clamp(0.1, 1, 1-avg/5000),
		TokenEfficiency:   float64(total.tokens) / float64(interactions),
		PeakHours:         peakHours(hours, 3),
	}, nil
}

// AgentRank is one entry of the executive summary's top agents.
type AgentRank struct {
	AgentID string `json:"agent_id"`
	Breakdown
}

// Trends are period-over-period percentage changes.
type Trends struct {
	InteractionsChange float64 `json:"interactions_change"`
	TokensChange       float64 `json:"tokens_change"`
	UsersChange        float64 `json:"users_change"`
}

// Period bounds a summary.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

// ExecutiveSummary compares the trailing period with the one before it.
type ExecutiveSummary struct {
	Period         Period        `json:"period"`
	KeyMetrics     *UsageMetrics `json:"key_metrics"`
	Trends         Trends        `json:"trends"`
	TopAgents      []AgentRank   `json:"top_agents"`
	AnomaliesCount int           `json:"anomalies_count"`
	Anomalies      []Anomaly     `json:"anomalies"`
	KeyInsights    []string      `json:"key_insights"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// ExecutiveSummary builds the dashboard summary for the trailing days.
func (e *Engine) ExecutiveSummary(ctx context.Context, days int) (*ExecutiveSummary, error) {
	if days <= 0 {
		days = 7
	}
	end := e.now().UTC()
	start := end.AddDate(0, 0, -days)
	prevStart := start.AddDate(0, 0, -days)

	cur, err := e.ComputeUsageMetrics(ctx, Query{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	prev, err := e.ComputeUsageMetrics(ctx, Query{Start: prevStart, End: start})
	if err != nil {
		return nil, err
	}
	anomalies, err := e.DetectAnomalies(ctx, days)
	if err != nil {
		return nil, err
	}

	trends := Trends{
		InteractionsChange: PercentageChange(float64(prev.TotalInteractions), float64(cur.TotalInteractions)),
		TokensChange:       PercentageChange(float64(prev.TotalTokens), float64(cur.TotalTokens)),
		UsersChange:        PercentageChange(float64(prev.UniqueUsers), float64(cur.UniqueUsers)),
	}

	var insights []string
	switch {
	case trends.InteractionsChange > 20:
		insights = append(insights, fmt.Sprintf("Interactions increased %.1f%% - excellent growth", trends.InteractionsChange))
	case trends.InteractionsChange < -10:
		insights = append(insights, fmt.Sprintf("Interactions decreased %.1f%% - needs attention", -trends.InteractionsChange))
	}
	if len(anomalies) > 0 {
		insights = append(insights, fmt.Sprintf("Detected %d anomalies in usage patterns", len(anomalies)))
	}
	if cur.UniqueUsers > prev.UniqueUsers {
		insights = append(insights, fmt.Sprintf("%.1f%% increase in active users", trends.UsersChange))
	}
	if insights == nil {
		insights = []string{}
	}

	top := anomalies
	if len(top) > 5 {
		top = top[:5]
	}

	return &ExecutiveSummary{
		Period:         Period{Start: start, End: end, Days: days},
		KeyMetrics:     cur,
		Trends:         trends,
		TopAgents:      topAgents(cur.AgentBreakdown, 5),
		AnomaliesCount: len(anomalies),
		Anomalies:      top,
		KeyInsights:    insights,
		GeneratedAt:    end,
	}, nil
}

func topAgents(breakdown map[string]Breakdown, n int) []AgentRank {
	ranks := make([]AgentRank, 0, len(breakdown))
	for id, b := range breakdown {
		ranks = append(ranks, AgentRank{AgentID: id, Breakdown: b})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Interactions != ranks[j].Interactions {
			return ranks[i].Interactions > ranks[j].Interactions
		}
		return ranks[i].AgentID < ranks[j].AgentID
	})
	if len(ranks) > n {
		ranks = ranks[:n]
	}
	return ranks
}
