package usage

import (
	"slices"
	"strings"
)

// Tier is a subscription plan level.
type Tier string

const (
	TierEssential Tier = "essential"
	TierPro       Tier = "pro"
	TierElite     Tier = "elite"
	TierPrime     Tier = "prime"
	TierLongevity Tier = "longevity"
)

// Tiers lists every known tier from most to least restrictive.
var Tiers = []Tier{TierEssential, TierPro, TierElite, TierPrime, TierLongevity}

// PaidTiers are the tiers watched for churn and inactivity.
var PaidTiers = []Tier{TierPro, TierElite, TierPrime, TierLongevity}

// ParseTier normalizes s and reports whether it names a known tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	return t, slices.Contains(Tiers, t)
}

// IsPaid reports whether t is one of PaidTiers.
func (t Tier) IsPaid() bool {
	return slices.Contains(PaidTiers, t)
}

// Wildcard in AllowedAgents grants every agent.
const Wildcard = "*"

// TierLimits is the allowance attached to a tier.
type TierLimits struct {
	MonthlyTokens    int64    `json:"total_tokens"`
	AllowedAgents    []string `json:"agents"`
	MaxDailySessions int64    `json:"max_sessions_daily"`
}

// AllowsAgent reports whether agentID may be used under these limits.
func (l TierLimits) AllowsAgent(agentID string) bool {
	for _, a := range l.AllowedAgents {
		if a == Wildcard || a == agentID {
			return true
		}
	}
	return false
}

var tierLimits = map[Tier]TierLimits{
	TierEssential: {MonthlyTokens: 50_000, AllowedAgents: []string{"NEXUS", "BLAZE"}, MaxDailySessions: 100},
	TierPro:       {MonthlyTokens: 150_000, AllowedAgents: []string{"NEXUS", "BLAZE", "SAGE", "ARIA"}, MaxDailySessions: 300},
	TierElite:     {MonthlyTokens: 500_000, AllowedAgents: []string{"NEXUS", "BLAZE", "SAGE", "ARIA", "CIPHER", "ECHO"}, MaxDailySessions: 1000},
	TierPrime:     {MonthlyTokens: 1_000_000, AllowedAgents: []string{Wildcard}, MaxDailySessions: 2000},
	TierLongevity: {MonthlyTokens: 1_000_000, AllowedAgents: []string{Wildcard}, MaxDailySessions: 2000},
}

// LimitsFor returns the limits of t. Unknown tiers get the essential
// (most restrictive) limits.
func LimitsFor(t Tier) TierLimits {
	l, ok := tierLimits[t]
	if !ok {
		l = tierLimits[TierEssential]
	}
	l.AllowedAgents = slices.Clone(l.AllowedAgents)
	return l
}

// Catalog is every agent identifier the platform knows about.
var Catalog = []string{
	"NEXUS", "BLAZE", "SAGE", "ARIA", "CIPHER", "ECHO",
	"QUANTUM", "NOVA", "FLUX", "VERTEX", "HELIX",
}

// PerformanceRoster is the set of agents checked by the performance monitor.
var PerformanceRoster = []string{"NEXUS", "BLAZE", "SAGE", "ARIA", "CIPHER", "ECHO"}

// KnownAgent reports whether id is in Catalog.
func KnownAgent(id string) bool {
	return slices.Contains(Catalog, id)
}
