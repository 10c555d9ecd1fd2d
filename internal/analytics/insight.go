package analytics

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

// RiskLevel ranks a user's churn risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// UserInsight is the heuristic health score of one user.
type UserInsight struct {
	UserID             string             `json:"user_id"`
	Tier               string             `json:"tier"`
	UsageScore         float64            `json:"usage_score"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	ChurnProbability   float64            `json:"churn_probability"`
	UpgradeOpportunity bool               `json:"upgrade_opportunity"`
	Recommendations    []string           `json:"recommendations"`
	EfficiencyMetrics  map[string]float64 `json:"efficiency_metrics"`
}

// GenerateUserInsight scores a user over the policy's trailing window.
func (e *Engine) GenerateUserInsight(ctx context.Context, userID string) (*UserInsight, error) {
	ctx, span := traces.StartSpan(ctx, "analytics.GenerateUserInsight", traces.UserID(userID))
	now := e.now().UTC()
	act, err := e.store.UserActivity(ctx, userID, now.AddDate(0, 0, -e.policy.WindowDays))
	traces.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("user activity: %w", err)
	}
	if act == nil {
		return inactiveInsight(userID), nil
	}

	daysSince := now.Sub(act.LastActivity).Hours() / 24
	if daysSince < 0 {
		daysSince = 0
	}
	return e.policy.Score(act, daysSince), nil
}

func inactiveInsight(userID string) *UserInsight {
	return &UserInsight{
		UserID:             userID,
		Tier:               "unknown",
		UsageScore:         0,
		RiskLevel:          RiskCritical,
		ChurnProbability:   0.95,
		UpgradeOpportunity: false,
		Recommendations:    []string{"Re-engage user with personalized content"},
		EfficiencyMetrics:  map[string]float64{},
	}
}

// Score applies the policy to an activity summary. daysSinceLast is the
// time since the user's latest event, in days.
func (p ScoringPolicy) Score(act *usage.UserActivity, daysSinceLast float64) *UserInsight {
	limits := usage.LimitsFor(act.Tier)
	window := float64(p.WindowDays)
	catalog := float64(p.CatalogSize)

	usagePct := float64(act.Tokens) / float64(limits.MonthlyTokens)
	activeDays := float64(act.ActiveDays)
	agentsUsed := float64(len(act.AgentsUsed))
	interactions := float64(act.Interactions)

	score := p.UsageWeight*usagePct*100 +
		p.ActivityWeight*(activeDays/window)*100 +
		p.DiversityWeight*(agentsUsed/catalog)*100 +
		p.VolumeWeight*math.Min(100, interactions/p.VolumeScale*100)
	score = math.Min(100, score)

	churn := p.ChurnScoreWeight*(100-score)/100 + p.ChurnRecencyWeight*(daysSinceLast/window)
	churn = clamp(p.ChurnMin, p.ChurnMax, churn)

	var recs []string
	if usagePct > p.RecommendUpgradeUsage {
		recs = append(recs, fmt.Sprintf("Consider upgrading to higher tier - using %.1f%% of limit", usagePct*100))
	}
	if len(act.AgentsUsed) < p.RecommendMinAgents {
		recs = append(recs, "Explore more agents to maximize value")
	}
	if act.ActiveDays < p.RecommendMinDays {
		recs = append(recs, "Increase engagement frequency")
	}
	if act.AvgResponseTime() > p.SlowResponseMs {
		recs = append(recs, "Optimize queries for better performance")
	}
	if recs == nil {
		recs = []string{}
	}

	tokensPerInteraction := 0.0
	if act.Interactions > 0 {
		tokensPerInteraction = float64(act.Tokens) / interactions
	}
	interactionsPerDay := 0.0
	if act.ActiveDays > 0 {
		interactionsPerDay = interactions / activeDays
	}

	return &UserInsight{
		UserID:           act.UserID,
		Tier:             string(act.Tier),
		UsageScore:       score,
		RiskLevel:        p.Risk(score),
		ChurnProbability: churn,
		UpgradeOpportunity: usagePct > p.UpgradeUsage &&
			slices.Contains(p.UpgradeTiers, act.Tier) &&
			act.ActiveDays > p.UpgradeActiveDays,
		Recommendations: recs,
		EfficiencyMetrics: map[string]float64{
			"tokens_per_interaction": tokensPerInteraction,
			"interactions_per_day":   interactionsPerDay,
			"agent_diversity":        agentsUsed / catalog,
			"activity_ratio":         activeDays / window,
		},
	}
}

// Risk maps a usage score to a risk level.
func (p ScoringPolicy) Risk(score float64) RiskLevel {
	switch {
	case score >= p.LowRiskScore:
		return RiskLow
	case score >= p.MediumRiskScore:
		return RiskMedium
	case score >= p.HighRiskScore:
		return RiskHigh
	default:
		return RiskCritical
	}
}
