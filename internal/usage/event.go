// Package usage holds the append-only log of agent usage events and the
// typed queries the analytics layer runs against it.
package usage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidEvent = errors.New("usage: invalid event")
)

// Event is one agent interaction reported by the agent platform.
// Events are immutable once appended.
type Event struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ContactID      string         `json:"contact_id,omitempty"`
	AgentID        string         `json:"agent_id"`
	SessionID      string         `json:"session_id"`
	TokensUsed     int64          `json:"tokens_used"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Timestamp      time.Time      `json:"timestamp"`
	Tier           Tier           `json:"subscription_tier"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Check verifies the invariants every stored event must satisfy.
func (e *Event) Check() error {
	switch {
	case e.UserID == "" || e.AgentID == "" || e.SessionID == "":
		return ErrInvalidEvent
	case e.TokensUsed < 0 || e.ResponseTimeMs < 0:
		return ErrInvalidEvent
	case e.Timestamp.IsZero():
		return ErrInvalidEvent
	}
	return nil
}

// Filter narrows a query. Zero values mean "no constraint"; the time range
// is half-open [Start, End).
type Filter struct {
	Start   time.Time
	End     time.Time
	UserID  string
	Tier    Tier
	AgentID string
}

func (f Filter) matches(e *Event) bool {
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Tier != "" && e.Tier != f.Tier {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	return true
}

// BreakdownRow is one (agent, tier, hour-of-day) group.
type BreakdownRow struct {
	AgentID        string
	Tier           Tier
	Hour           int
	Interactions   int64
	Tokens         int64
	ResponseTimeMs int64 // sum over the group
}

// DistinctCounts are window-wide distinct counts.
type DistinctCounts struct {
	Users    int64
	Sessions int64
}

// Dimension selects the grouping key for DistinctUsersBy.
type Dimension string

const (
	ByAgent Dimension = "agent"
	ByTier  Dimension = "tier"
)

// DailyAgentTotal is one agent's totals for one UTC day.
type DailyAgentTotal struct {
	AgentID      string
	Day          time.Time
	Interactions int64
	Tokens       int64
}

// UserActivity summarizes one user over a window.
type UserActivity struct {
	UserID         string
	Tier           Tier // tier of the most recent event
	Interactions   int64
	Tokens         int64
	ActiveDays     int
	AgentsUsed     []string
	ResponseTimeMs int64 // sum
	LastActivity   time.Time
}

// AvgResponseTime is the interaction-weighted mean response time in ms.
func (a *UserActivity) AvgResponseTime() float64 {
	if a.Interactions == 0 {
		return 0
	}
	return float64(a.ResponseTimeMs) / float64(a.Interactions)
}

// UserTierUsage is one user's consumption under one tier.
type UserTierUsage struct {
	UserID     string
	Tier       Tier
	Tokens     int64
	ActiveDays int
}

// UserLastSeen is a user's latest event time and the tier it carried.
type UserLastSeen struct {
	UserID   string
	Tier     Tier
	LastSeen time.Time
}

// Store persists usage events and answers typed aggregate queries.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Breakdown(ctx context.Context, f Filter) ([]BreakdownRow, error)
	Distinct(ctx context.Context, f Filter) (DistinctCounts, error)
	DistinctUsersBy(ctx context.Context, f Filter, dim Dimension) (map[string]int64, error)
	// DailyAgentTotals covers whole UTC days starting with the day of since.
	DailyAgentTotals(ctx context.Context, since time.Time) ([]DailyAgentTotal, error)
	// UserActivity returns nil when the user has no events since the given time.
	UserActivity(ctx context.Context, userID string, since time.Time) (*UserActivity, error)
	UsageByUserTier(ctx context.Context, since time.Time) ([]UserTierUsage, error)
	// LastSeen lists users seen since the given time whose latest event
	// carries one of tiers (all tiers when empty).
	LastSeen(ctx context.Context, since time.Time, tiers []Tier) ([]UserLastSeen, error)
}

// DayOf truncates t to its UTC day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns 00:00 UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
