package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscrm/usagewatch/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	e1 := ev("u1", "NEXUS", "s1", TierPro, 100, 200, now.Add(-2*time.Hour))
	e1.Context = map[string]any{"channel": "web"}
	seed(t, s,
		e1,
		ev("u1", "SAGE", "s2", TierPro, 50, 400, now.Add(-time.Hour)),
		ev("u2", "NEXUS", "s3", TierEssential, 10, 100, now.Add(-time.Hour)),
	)
	assert.NotEmpty(t, e1.ID)

	dc, err := s.Distinct(ctx, Filter{Start: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, DistinctCounts{Users: 2, Sessions: 3}, dc)

	rows, err := s.Breakdown(ctx, Filter{Start: now.Add(-24 * time.Hour), UserID: "u1"})
	require.NoError(t, err)
	var interactions int64
	for _, r := range rows {
		interactions += r.Interactions
	}
	assert.Equal(t, int64(2), interactions)

	byAgent, err := s.DistinctUsersBy(ctx, Filter{}, ByAgent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byAgent["NEXUS"])

	act, err := s.UserActivity(ctx, "u1", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, int64(150), act.Tokens)
	assert.Equal(t, []string{"NEXUS", "SAGE"}, act.AgentsUsed)
	assert.Equal(t, TierPro, act.Tier)

	none, err := s.UserActivity(ctx, "ghost", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, none)

	daily, err := s.DailyAgentTotals(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, daily)

	seen, err := s.LastSeen(ctx, now.Add(-24*time.Hour), PaidTiers)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "u1", seen[0].UserID)

	usage, err := s.UsageByUserTier(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, usage, 2)
}

func TestFilterSQL(t *testing.T) {
	where, args := Filter{}.sql()
	assert.Empty(t, where)
	assert.Empty(t, args)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args = Filter{Start: start, UserID: "u1", Tier: TierPro}.sql()
	assert.Equal(t, " WHERE occurred_at >= $1 AND user_id = $2 AND subscription_tier = $3", where)
	assert.Equal(t, []any{start, "u1", "pro"}, args)
}
