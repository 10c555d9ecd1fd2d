package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nexuscrm/usagewatch/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Every append also
// maintains the agent_usage_daily rollup used for anomaly scans.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	if err := ev.Check(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = idgen.Ordered()
	}

	var eventCtx []byte
	if len(ev.Context) > 0 {
		b, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("marshal event context: %w", err)
		}
		eventCtx = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_usage_events
			(id, user_id, contact_id, agent_id, session_id, tokens_used, response_time_ms,
			 occurred_at, subscription_tier, organization_id, context)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11::JSONB)
	`, ev.ID, ev.UserID, ev.ContactID, ev.AgentID, ev.SessionID, ev.TokensUsed, ev.ResponseTimeMs,
		ev.Timestamp.UTC(), string(ev.Tier), ev.OrganizationID, nullJSON(eventCtx))
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_usage_daily (day, user_id, agent_id, interactions, tokens, response_time_ms)
		VALUES ($1::DATE, $2, $3, 1, $4, $5)
		ON CONFLICT (day, user_id, agent_id) DO UPDATE SET
			interactions     = agent_usage_daily.interactions + 1,
			tokens           = agent_usage_daily.tokens + EXCLUDED.tokens,
			response_time_ms = agent_usage_daily.response_time_ms + EXCLUDED.response_time_ms
	`, DayOf(ev.Timestamp).Format(time.DateOnly), ev.UserID, ev.AgentID, ev.TokensUsed, ev.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("upsert daily rollup: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Breakdown(ctx context.Context, f Filter) ([]BreakdownRow, error) {
	where, args := f.sql()
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, subscription_tier,
		       EXTRACT(HOUR FROM occurred_at AT TIME ZONE 'UTC')::INT AS hour,
		       COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(SUM(response_time_ms), 0)
		FROM agent_usage_events`+where+`
		GROUP BY agent_id, subscription_tier, hour
		ORDER BY agent_id, subscription_tier, hour
	`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []BreakdownRow
	for rows.Next() {
		var r BreakdownRow
		var tier string
		if err := rows.Scan(&r.AgentID, &tier, &r.Hour, &r.Interactions, &r.Tokens, &r.ResponseTimeMs); err != nil {
			return nil, err
		}
		r.Tier = Tier(tier)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Distinct(ctx context.Context, f Filter) (DistinctCounts, error) {
	where, args := f.sql()
	var dc DistinctCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id), COUNT(DISTINCT session_id)
		FROM agent_usage_events`+where, args...).Scan(&dc.Users, &dc.Sessions)
	return dc, err
}

func (s *PostgresStore) DistinctUsersBy(ctx context.Context, f Filter, dim Dimension) (map[string]int64, error) {
	col := "agent_id"
	if dim == ByTier {
		col = "subscription_tier"
	}
	where, args := f.sql()
	// col is one of two constants above
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+col+`, COUNT(DISTINCT user_id)
		FROM agent_usage_events`+where+`
		GROUP BY `+col, args...) // #nosec G202
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) DailyAgentTotals(ctx context.Context, since time.Time) ([]DailyAgentTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, day, SUM(interactions), SUM(tokens)
		FROM agent_usage_daily
		WHERE day >= $1::DATE
		GROUP BY agent_id, day
		ORDER BY agent_id, day
	`, DayOf(since).Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DailyAgentTotal
	for rows.Next() {
		var d DailyAgentTotal
		if err := rows.Scan(&d.AgentID, &d.Day, &d.Interactions, &d.Tokens); err != nil {
			return nil, err
		}
		d.Day = DayOf(d.Day)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UserActivity(ctx context.Context, userID string, since time.Time) (*UserActivity, error) {
	act := &UserActivity{UserID: userID}
	var last sql.NullTime
	var tier sql.NullString
	var agents []string

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_used), 0),
		       COUNT(DISTINCT (occurred_at AT TIME ZONE 'UTC')::DATE),
		       COALESCE(SUM(response_time_ms), 0),
		       MAX(occurred_at),
		       COALESCE(ARRAY_AGG(DISTINCT agent_id) FILTER (WHERE agent_id IS NOT NULL), '{}'),
		       (ARRAY_AGG(subscription_tier ORDER BY occurred_at DESC))[1]
		FROM agent_usage_events
		WHERE user_id = $1 AND occurred_at >= $2
	`, userID, since.UTC()).Scan(&act.Interactions, &act.Tokens, &act.ActiveDays,
		&act.ResponseTimeMs, &last, pq.Array(&agents), &tier)
	if err != nil {
		return nil, err
	}
	if act.Interactions == 0 {
		return nil, nil
	}

	act.LastActivity = last.Time.UTC()
	act.Tier = Tier(tier.String)
	slices.Sort(agents)
	act.AgentsUsed = agents
	return act, nil
}

func (s *PostgresStore) UsageByUserTier(ctx context.Context, since time.Time) ([]UserTierUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, subscription_tier, SUM(tokens_used),
		       COUNT(DISTINCT (occurred_at AT TIME ZONE 'UTC')::DATE)
		FROM agent_usage_events
		WHERE occurred_at >= $1
		GROUP BY user_id, subscription_tier
		ORDER BY user_id, subscription_tier
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UserTierUsage
	for rows.Next() {
		var u UserTierUsage
		var tier string
		if err := rows.Scan(&u.UserID, &tier, &u.Tokens, &u.ActiveDays); err != nil {
			return nil, err
		}
		u.Tier = Tier(tier)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastSeen(ctx context.Context, since time.Time, tiers []Tier) ([]UserLastSeen, error) {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, subscription_tier, occurred_at FROM (
			SELECT DISTINCT ON (user_id) user_id, subscription_tier, occurred_at
			FROM agent_usage_events
			WHERE occurred_at >= $1
			ORDER BY user_id, occurred_at DESC
		) latest
		WHERE cardinality($2::TEXT[]) = 0 OR subscription_tier = ANY($2::TEXT[])
		ORDER BY user_id
	`, since.UTC(), pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UserLastSeen
	for rows.Next() {
		var u UserLastSeen
		var tier string
		if err := rows.Scan(&u.UserID, &tier, &u.LastSeen); err != nil {
			return nil, err
		}
		u.Tier = Tier(tier)
		u.LastSeen = u.LastSeen.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// sql renders the filter as a WHERE clause with positional arguments.
func (f Filter) sql() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.Start.IsZero() {
		add("occurred_at >= $%d", f.Start.UTC())
	}
	if !f.End.IsZero() {
		add("occurred_at < $%d", f.End.UTC())
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Tier != "" {
		add("subscription_tier = $%d", string(f.Tier))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Store = (*PostgresStore)(nil)
