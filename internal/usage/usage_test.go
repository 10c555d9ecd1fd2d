package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func ev(user, agent, session string, tier Tier, tokens, ms int64, at time.Time) *Event {
	return &Event{
		UserID: user, AgentID: agent, SessionID: session, Tier: tier,
		TokensUsed: tokens, ResponseTimeMs: ms, Timestamp: at,
	}
}

func seed(t *testing.T, s Store, events ...*Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, s.Append(context.Background(), e))
	}
}

func TestLimitsFor_UnknownFallsBackToEssential(t *testing.T) {
	l := LimitsFor(Tier("platinum"))
	assert.Equal(t, int64(50_000), l.MonthlyTokens)
	assert.Equal(t, int64(100), l.MaxDailySessions)
	assert.True(t, l.AllowsAgent("NEXUS"))
	assert.False(t, l.AllowsAgent("SAGE"))
}

func TestTierLimits_AllowsAgent(t *testing.T) {
	assert.True(t, LimitsFor(TierPro).AllowsAgent("ARIA"))
	assert.False(t, LimitsFor(TierPro).AllowsAgent("CIPHER"))
	assert.True(t, LimitsFor(TierElite).AllowsAgent("ECHO"))
	assert.True(t, LimitsFor(TierPrime).AllowsAgent("HELIX"))
	assert.True(t, LimitsFor(TierLongevity).AllowsAgent("ANYTHING"))
}

func TestLimitsFor_ReturnsCopy(t *testing.T) {
	l := LimitsFor(TierEssential)
	l.AllowedAgents[0] = "MUTATED"
	assert.True(t, LimitsFor(TierEssential).AllowsAgent("NEXUS"))
}

func TestParseTierAndPaid(t *testing.T) {
	tier, ok := ParseTier(" Elite ")
	assert.True(t, ok)
	assert.Equal(t, TierElite, tier)
	_, ok = ParseTier("gold")
	assert.False(t, ok)

	assert.False(t, TierEssential.IsPaid())
	assert.True(t, TierLongevity.IsPaid())
	assert.Len(t, Catalog, 11)
	assert.True(t, KnownAgent("QUANTUM"))
	assert.False(t, KnownAgent("ZEUS"))
}

func TestEventCheck(t *testing.T) {
	good := ev("u1", "NEXUS", "s1", TierPro, 10, 10, base)
	assert.NoError(t, good.Check())

	neg := ev("u1", "NEXUS", "s1", TierPro, -1, 10, base)
	assert.ErrorIs(t, neg.Check(), ErrInvalidEvent)

	noUser := ev("", "NEXUS", "s1", TierPro, 1, 10, base)
	assert.ErrorIs(t, noUser.Check(), ErrInvalidEvent)

	noTime := ev("u1", "NEXUS", "s1", TierPro, 1, 10, time.Time{})
	assert.ErrorIs(t, noTime.Check(), ErrInvalidEvent)
}

func TestMemoryStore_AppendAssignsID(t *testing.T) {
	s := NewMemoryStore()
	e := ev("u1", "NEXUS", "s1", TierPro, 10, 100, base)
	require.NoError(t, s.Append(context.Background(), e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_BreakdownAndDistinct(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s,
		ev("u1", "NEXUS", "s1", TierPro, 100, 200, base),
		ev("u1", "NEXUS", "s1", TierPro, 50, 400, base.Add(10*time.Minute)),
		ev("u2", "NEXUS", "s2", TierElite, 10, 100, base.Add(2*time.Hour)),
		ev("u2", "SAGE", "s2", TierElite, 30, 300, base.Add(2*time.Hour)),
	)

	rows, err := s.Breakdown(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, BreakdownRow{AgentID: "NEXUS", Tier: TierElite, Hour: 11, Interactions: 1, Tokens: 10, ResponseTimeMs: 100}, rows[0])
	assert.Equal(t, BreakdownRow{AgentID: "NEXUS", Tier: TierPro, Hour: 9, Interactions: 2, Tokens: 150, ResponseTimeMs: 600}, rows[1])

	dc, err := s.Distinct(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, DistinctCounts{Users: 2, Sessions: 2}, dc)

	byAgent, err := s.DistinctUsersBy(ctx, Filter{}, ByAgent)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"NEXUS": 2, "SAGE": 1}, byAgent)

	byTier, err := s.DistinctUsersBy(ctx, Filter{}, ByTier)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"pro": 1, "elite": 1}, byTier)
}

func TestMemoryStore_FilterIsConjunctiveAndHalfOpen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s,
		ev("u1", "NEXUS", "s1", TierPro, 1, 1, base),
		ev("u1", "NEXUS", "s1", TierPro, 1, 1, base.Add(time.Hour)),
		ev("u2", "NEXUS", "s2", TierPro, 1, 1, base),
	)

	dc, err := s.Distinct(ctx, Filter{Start: base, End: base.Add(time.Hour), UserID: "u1", Tier: TierPro})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dc.Sessions)

	rows, err := s.Breakdown(ctx, Filter{Start: base, End: base.Add(time.Hour), UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Interactions)
}

func TestMemoryStore_DailyAgentTotals(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s,
		ev("u1", "NEXUS", "s1", TierPro, 5, 1, base),
		ev("u2", "NEXUS", "s2", TierPro, 7, 1, base.Add(time.Hour)),
		ev("u1", "NEXUS", "s1", TierPro, 3, 1, base.AddDate(0, 0, 1)),
		ev("u1", "SAGE", "s1", TierPro, 3, 1, base.AddDate(0, 0, -5)),
	)

	totals, err := s.DailyAgentTotals(context.Background(), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, DailyAgentTotal{AgentID: "NEXUS", Day: DayOf(base), Interactions: 2, Tokens: 12}, totals[0])
	assert.Equal(t, DayOf(base.AddDate(0, 0, 1)), totals[1].Day)
}

func TestMemoryStore_UserActivity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s,
		ev("u1", "SAGE", "s1", TierEssential, 100, 1000, base),
		ev("u1", "NEXUS", "s2", TierPro, 300, 3000, base.AddDate(0, 0, 2)),
		ev("u1", "NEXUS", "s3", TierPro, 200, 2000, base.AddDate(0, 0, 2).Add(time.Hour)),
	)

	act, err := s.UserActivity(ctx, "u1", base.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, int64(3), act.Interactions)
	assert.Equal(t, int64(600), act.Tokens)
	assert.Equal(t, 2, act.ActiveDays)
	assert.Equal(t, []string{"NEXUS", "SAGE"}, act.AgentsUsed)
	assert.Equal(t, TierPro, act.Tier)
	assert.InDelta(t, 2000.0, act.AvgResponseTime(), 1e-9)
	assert.Equal(t, base.AddDate(0, 0, 2).Add(time.Hour), act.LastActivity)

	none, err := s.UserActivity(ctx, "ghost", base.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStore_UsageByUserTierAndLastSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s,
		ev("u1", "NEXUS", "s1", TierPro, 100, 1, base),
		ev("u1", "NEXUS", "s1", TierPro, 100, 1, base.AddDate(0, 0, 1)),
		ev("u2", "NEXUS", "s2", TierEssential, 10, 1, base),
	)

	usage, err := s.UsageByUserTier(ctx, base.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, []UserTierUsage{
		{UserID: "u1", Tier: TierPro, Tokens: 200, ActiveDays: 2},
		{UserID: "u2", Tier: TierEssential, Tokens: 10, ActiveDays: 1},
	}, usage)

	seen, err := s.LastSeen(ctx, base.AddDate(0, 0, -1), PaidTiers)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "u1", seen[0].UserID)
	assert.Equal(t, base.AddDate(0, 0, 1), seen[0].LastSeen)

	all, err := s.LastSeen(ctx, base.AddDate(0, 0, -1), nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBuildStatsAndCheckLimits(t *testing.T) {
	empty := BuildStats("ghost", nil)
	assert.Equal(t, TierEssential, empty.Tier)
	assert.Empty(t, empty.AgentsUsed)
	assert.Equal(t, "ok", CheckLimits(empty).Status)

	act := &UserActivity{UserID: "u1", Tier: TierEssential, Tokens: 46_000, Interactions: 40, ResponseTimeMs: 4000}
	st := BuildStats("u1", act)
	assert.InDelta(t, 92.0, st.UsagePercentage["tokens"], 1e-9)
	assert.InDelta(t, 40.0, st.UsagePercentage["interactions"], 1e-9)
	assert.InDelta(t, 100.0, st.AvgResponseTime, 1e-9)

	ls := CheckLimits(st)
	assert.Equal(t, "critical", ls.Status)
	assert.Equal(t, []string{"Token limit almost reached (90%+)"}, ls.Alerts)
	assert.True(t, ls.UpgradeRecommended)

	warn := CheckLimits(BuildStats("u2", &UserActivity{Tier: TierPro, Tokens: 120_000, Interactions: 10}))
	assert.Equal(t, "warning", warn.Status)
	assert.False(t, warn.UpgradeRecommended)

	busy := CheckLimits(BuildStats("u3", &UserActivity{Tier: TierEssential, Tokens: 10, Interactions: 500}))
	assert.Equal(t, "critical", busy.Status)
	assert.InDelta(t, 100.0, busy.UsagePercentage["interactions"], 1e-9)
}
