package usage

import "math"

// Stats is a user's consumption over a trailing window measured against
// their tier limits.
type Stats struct {
	UserID            string             `json:"user_id"`
	TotalInteractions int64              `json:"total_interactions"`
	TotalTokens       int64              `json:"total_tokens"`
	AgentsUsed        []string           `json:"agents_used"`
	AvgResponseTime   float64            `json:"avg_response_time"`
	Tier              Tier               `json:"subscription_tier"`
	Limits            TierLimits         `json:"current_limits"`
	UsagePercentage   map[string]float64 `json:"usage_percentage"`
}

// BuildStats derives Stats from an activity summary. A nil activity yields
// zeroed stats on the essential tier.
func BuildStats(userID string, act *UserActivity) Stats {
	if act == nil {
		return Stats{
			UserID:          userID,
			AgentsUsed:      []string{},
			Tier:            TierEssential,
			Limits:          LimitsFor(TierEssential),
			UsagePercentage: map[string]float64{},
		}
	}

	limits := LimitsFor(act.Tier)
	pct := map[string]float64{
		"tokens":       float64(act.Tokens) / float64(limits.MonthlyTokens) * 100,
		"interactions": math.Min(float64(act.Interactions)/float64(limits.MaxDailySessions)*100, 100),
	}

	agents := act.AgentsUsed
	if agents == nil {
		agents = []string{}
	}
	return Stats{
		UserID:            userID,
		TotalInteractions: act.Interactions,
		TotalTokens:       act.Tokens,
		AgentsUsed:        agents,
		AvgResponseTime:   act.AvgResponseTime(),
		Tier:              act.Tier,
		Limits:            limits,
		UsagePercentage:   pct,
	}
}

// LimitStatus classifies how close a user is to their limits.
type LimitStatus struct {
	UserID             string             `json:"user_id"`
	Status             string             `json:"status"` // ok, warning, critical
	UsagePercentage    map[string]float64 `json:"usage_percentage"`
	Limits             TierLimits         `json:"limits"`
	Alerts             []string           `json:"alerts"`
	Tier               Tier               `json:"subscription_tier"`
	UpgradeRecommended bool               `json:"upgrade_recommended"`
}

// CheckLimits turns Stats into a LimitStatus: tokens at 90% or more is
// critical, 75% or more a warning; interactions at 90% or more is critical.
func CheckLimits(st Stats) LimitStatus {
	tokens := st.UsagePercentage["tokens"]
	interactions := st.UsagePercentage["interactions"]

	ls := LimitStatus{
		UserID:             st.UserID,
		Status:             "ok",
		UsagePercentage:    st.UsagePercentage,
		Limits:             st.Limits,
		Alerts:             []string{},
		Tier:               st.Tier,
		UpgradeRecommended: tokens > 80 || interactions > 80,
	}

	switch {
	case tokens >= 90:
		ls.Status = "critical"
		ls.Alerts = append(ls.Alerts, "Token limit almost reached (90%+)")
	case tokens >= 75:
		ls.Status = "warning"
		ls.Alerts = append(ls.Alerts, "High token usage (75%+)")
	}
	if interactions >= 90 {
		ls.Status = "critical"
		ls.Alerts = append(ls.Alerts, "Daily interaction limit almost reached")
	}
	return ls
}
