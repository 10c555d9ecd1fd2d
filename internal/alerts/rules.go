package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexuscrm/usagewatch/internal/usage"
)

// Rule IDs registered by DefaultRules.
const (
	RuleUsageApproaching       = "usage_approaching"
	RuleUsageExceeded          = "usage_exceeded"
	RuleChurnRisk              = "churn_risk"
	RuleUpgradeOpportunity     = "upgrade_opportunity"
	RuleAnomaly                = "anomaly"
	RuleUserInactive           = "user_inactive"
	RulePerformanceDegradation = "performance_degradation"
)

// DefaultRules returns the production rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:         RuleUsageApproaching,
			Name:       "Usage limit approaching",
			Type:       TypeUsageLimitApproaching,
			Conditions: Conditions{UsageThreshold: 0.80},
			Severity:   SeverityMedium,
			Channels:   []Channel{ChannelDashboard, ChannelEmail},
			Cooldown:   120 * time.Minute,
			Enabled:    true,
		},
		{
			ID:         RuleUsageExceeded,
			Name:       "Usage limit exceeded",
			Type:       TypeUsageLimitExceeded,
			Conditions: Conditions{UsageThreshold: 0.95},
			Severity:   SeverityCritical,
			Channels:   []Channel{ChannelDashboard, ChannelEmail, ChannelSlack},
			Cooldown:   60 * time.Minute,
			Enabled:    true,
		},
		{
			ID:         RuleChurnRisk,
			Name:       "Churn risk",
			Type:       TypeChurnRisk,
			Conditions: Conditions{ChurnThreshold: 0.7, Tiers: usage.PaidTiers},
			Severity:   SeverityHigh,
			Channels:   []Channel{ChannelDashboard, ChannelSlack},
			Cooldown:   1440 * time.Minute,
			Enabled:    true,
		},
		{
			ID:         RuleUpgradeOpportunity,
			Name:       "Upgrade opportunity",
			Type:       TypeUpgradeOpportunity,
			Conditions: Conditions{UsageThreshold: 0.85, Tiers: []usage.Tier{usage.TierEssential, usage.TierPro}, MinActiveDays: 15},
			Severity:   SeverityLow,
			Channels:   []Channel{ChannelDashboard},
			Cooldown:   2880 * time.Minute,
			Enabled:    true,
		},
		{
			ID:       RuleAnomaly,
			Name:     "Usage anomaly",
			Type:     TypeAnomalyDetected,
			Severity: SeverityMedium,
			Channels: []Channel{ChannelDashboard, ChannelSlack},
			Cooldown: 180 * time.Minute,
			Enabled:  true,
		},
		{
			ID:         RuleUserInactive,
			Name:       "User inactive",
			Type:       TypeUserInactive,
			Conditions: Conditions{InactiveDays: 7, Tiers: usage.PaidTiers},
			Severity:   SeverityMedium,
			Channels:   []Channel{ChannelDashboard, ChannelEmail},
			Cooldown:   1440 * time.Minute,
			Enabled:    true,
		},
		{
			ID:         RulePerformanceDegradation,
			Name:       "Agent performance degradation",
			Type:       TypePerformanceDegradation,
			Conditions: Conditions{MaxResponseTimeMs: 5000, MinInteractions: 10},
			Severity:   SeverityHigh,
			Channels:   []Channel{ChannelDashboard, ChannelSlack, ChannelWebhook},
			Cooldown:   60 * time.Minute,
			Enabled:    true,
		},
	}
}

// Registry holds the rule set by ID. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry creates a registry holding rules.
func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		r.rules[rule.ID] = rule
	}
	return r
}

// Register adds or replaces a rule.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()
}

// Get returns the rule with id, enabled or not.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Enabled returns the rule with id only if it is registered and enabled.
func (r *Registry) Enabled(id string) (Rule, bool) {
	rule, ok := r.Get(id)
	if !ok || !rule.Enabled {
		return Rule{}, false
	}
	return rule, true
}

// SetEnabled toggles a rule.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	r.rules[id] = rule
	return nil
}

// List returns every rule ordered by ID.
func (r *Registry) List() []Rule {
	r.mu.RLock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
