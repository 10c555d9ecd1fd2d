// Package alerts evaluates alert rules against usage and analytics, manages
// the lifecycle of raised alerts and hands them to notification channels.
package alerts

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/nexuscrm/usagewatch/internal/usage"
)

var (
	ErrAlertNotFound = errors.New("alerts: alert not found")
	ErrAlertResolved = errors.New("alerts: alert already resolved")
	ErrRuleNotFound  = errors.New("alerts: rule not found")
)

// Type classifies what an alert is about.
type Type string

const (
	TypeUsageLimitApproaching  Type = "usage_limit_approaching"
	TypeUsageLimitExceeded     Type = "usage_limit_exceeded"
	TypeAnomalyDetected        Type = "anomaly_detected"
	TypeChurnRisk              Type = "churn_risk"
	TypeUpgradeOpportunity     Type = "upgrade_opportunity"
	TypePerformanceDegradation Type = "performance_degradation"
	TypeSuspiciousActivity     Type = "suspicious_activity"
	TypeAgentOverload          Type = "agent_overload"
	TypeUserInactive           Type = "user_inactive"
	TypeRapidUsageSpike        Type = "rapid_usage_spike"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Channel is a notification destination.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelWebhook   Channel = "webhook"
	ChannelDashboard Channel = "dashboard"
	ChannelSMS       Channel = "sms"
)

// Conditions parameterize a rule. Zero fields are unconstrained.
type Conditions struct {
	UsageThreshold    float64      `json:"usage_threshold,omitempty"` // fraction of the monthly token limit
	Tiers             []usage.Tier `json:"tiers,omitempty"`
	ChurnThreshold    float64      `json:"churn_threshold,omitempty"`
	MinActiveDays     int          `json:"min_active_days,omitempty"`
	InactiveDays      int          `json:"inactive_days,omitempty"`
	MaxResponseTimeMs float64      `json:"max_response_time_ms,omitempty"`
	MinInteractions   int64        `json:"min_interactions,omitempty"`
}

// AllowsTier reports whether t satisfies the tier condition.
func (c Conditions) AllowsTier(t usage.Tier) bool {
	return len(c.Tiers) == 0 || slices.Contains(c.Tiers, t)
}

// Rule is a named alert definition.
type Rule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Type       Type          `json:"alert_type"`
	Conditions Conditions    `json:"conditions"`
	Severity   Severity      `json:"severity"`
	Channels   []Channel     `json:"channels"`
	Cooldown   time.Duration `json:"-"`
	Enabled    bool          `json:"enabled"`
}

// CooldownMinutes is the cooldown as exposed over the API.
func (r Rule) CooldownMinutes() int {
	return int(r.Cooldown / time.Minute)
}

// MarshalJSON exposes the cooldown in minutes.
func (r Rule) MarshalJSON() ([]byte, error) {
	type plain Rule
	return json.Marshal(struct {
		plain
		CooldownMinutes int `json:"cooldown_minutes"`
	}{plain(r), r.CooldownMinutes()})
}

// Alert is one raised instance of a rule.
type Alert struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	Type           Type           `json:"alert_type"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	UserID         string         `json:"user_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	SubjectKey     string         `json:"-"`
	Metadata       map[string]any `json:"metadata"`
	TriggeredAt    time.Time      `json:"triggered_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ChannelsSent   []Channel      `json:"channels_sent"`
	AutoResolved   bool           `json:"auto_resolved"`
}

// Resolved reports whether the alert reached its terminal state.
func (a *Alert) Resolved() bool {
	return a.ResolvedAt != nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Metadata = maps.Clone(a.Metadata)
	cp.ChannelsSent = slices.Clone(a.ChannelsSent)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// SubjectKey is the cooldown scope: the user, else the agent, else global.
func SubjectKey(userID, agentID string) string {
	switch {
	case userID != "":
		return "user:" + userID
	case agentID != "":
		return "agent:" + agentID
	default:
		return "global"
	}
}
