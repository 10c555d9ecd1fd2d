package usage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nexuscrm/usagewatch/internal/idgen"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	if err := ev.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = idgen.Ordered()
	}
	cp := *ev
	cp.Timestamp = ev.Timestamp.UTC()
	s.events = append(s.events, &cp)
	return nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) each(f Filter, fn func(e *Event)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if f.matches(e) {
			fn(e)
		}
	}
}

type breakdownKey struct {
	agent string
	tier  Tier
	hour  int
}

func (s *MemoryStore) Breakdown(_ context.Context, f Filter) ([]BreakdownRow, error) {
	groups := make(map[breakdownKey]*BreakdownRow)
	s.each(f, func(e *Event) {
		k := breakdownKey{e.AgentID, e.Tier, e.Timestamp.Hour()}
		row, ok := groups[k]
		if !ok {
			row = &BreakdownRow{AgentID: k.agent, Tier: k.tier, Hour: k.hour}
			groups[k] = row
		}
		row.Interactions++
		row.Tokens += e.TokensUsed
		row.ResponseTimeMs += e.ResponseTimeMs
	})

	rows := make([]BreakdownRow, 0, len(groups))
	for _, r := range groups {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AgentID != rows[j].AgentID {
			return rows[i].AgentID < rows[j].AgentID
		}
		if rows[i].Tier != rows[j].Tier {
			return rows[i].Tier < rows[j].Tier
		}
		return rows[i].Hour < rows[j].Hour
	})
	return rows, nil
}

func (s *MemoryStore) Distinct(_ context.Context, f Filter) (DistinctCounts, error) {
	users := make(map[string]struct{})
	sessions := make(map[string]struct{})
	s.each(f, func(e *Event) {
		users[e.UserID] = struct{}{}
		sessions[e.SessionID] = struct{}{}
	})
	return DistinctCounts{Users: int64(len(users)), Sessions: int64(len(sessions))}, nil
}

func (s *MemoryStore) DistinctUsersBy(_ context.Context, f Filter, dim Dimension) (map[string]int64, error) {
	sets := make(map[string]map[string]struct{})
	s.each(f, func(e *Event) {
		key := e.AgentID
		if dim == ByTier {
			key = string(e.Tier)
		}
		if sets[key] == nil {
			sets[key] = make(map[string]struct{})
		}
		sets[key][e.UserID] = struct{}{}
	})
	out := make(map[string]int64, len(sets))
	for k, set := range sets {
		out[k] = int64(len(set))
	}
	return out, nil
}

type dailyKey struct {
	agent string
	day   time.Time
}

func (s *MemoryStore) DailyAgentTotals(_ context.Context, since time.Time) ([]DailyAgentTotal, error) {
	groups := make(map[dailyKey]*DailyAgentTotal)
	s.each(Filter{Start: DayOf(since)}, func(e *Event) {
		k := dailyKey{e.AgentID, DayOf(e.Timestamp)}
		d, ok := groups[k]
		if !ok {
			d = &DailyAgentTotal{AgentID: k.agent, Day: k.day}
			groups[k] = d
		}
		d.Interactions++
		d.Tokens += e.TokensUsed
	})

	out := make([]DailyAgentTotal, 0, len(groups))
	for _, d := range groups {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Day.Before(out[j].Day)
	})
	return out, nil
}

func (s *MemoryStore) UserActivity(_ context.Context, userID string, since time.Time) (*UserActivity, error) {
	var act *UserActivity
	days := make(map[time.Time]struct{})
	agents := make(map[string]struct{})

	s.each(Filter{Start: since, UserID: userID}, func(e *Event) {
		if act == nil {
			act = &UserActivity{UserID: userID}
		}
		act.Interactions++
		act.Tokens += e.TokensUsed
		act.ResponseTimeMs += e.ResponseTimeMs
		days[DayOf(e.Timestamp)] = struct{}{}
		agents[e.AgentID] = struct{}{}
		if !e.Timestamp.Before(act.LastActivity) {
			act.LastActivity = e.Timestamp
			act.Tier = e.Tier
		}
	})
	if act == nil {
		return nil, nil
	}

	act.ActiveDays = len(days)
	for a := range agents {
		act.AgentsUsed = append(act.AgentsUsed, a)
	}
	slices.Sort(act.AgentsUsed)
	return act, nil
}

type userTierKey struct {
	user string
	tier Tier
}

func (s *MemoryStore) UsageByUserTier(_ context.Context, since time.Time) ([]UserTierUsage, error) {
	groups := make(map[userTierKey]*UserTierUsage)
	days := make(map[userTierKey]map[time.Time]struct{})

	s.each(Filter{Start: since}, func(e *Event) {
		k := userTierKey{e.UserID, e.Tier}
		u, ok := groups[k]
		if !ok {
			u = &UserTierUsage{UserID: k.user, Tier: k.tier}
			groups[k] = u
			days[k] = make(map[time.Time]struct{})
		}
		u.Tokens += e.TokensUsed
		days[k][DayOf(e.Timestamp)] = struct{}{}
	})

	out := make([]UserTierUsage, 0, len(groups))
	for k, u := range groups {
		u.ActiveDays = len(days[k])
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Tier < out[j].Tier
	})
	return out, nil
}

func (s *MemoryStore) LastSeen(_ context.Context, since time.Time, tiers []Tier) ([]UserLastSeen, error) {
	latest := make(map[string]*UserLastSeen)
	s.each(Filter{Start: since}, func(e *Event) {
		cur, ok := latest[e.UserID]
		if !ok || !e.Timestamp.Before(cur.LastSeen) {
			latest[e.UserID] = &UserLastSeen{UserID: e.UserID, Tier: e.Tier, LastSeen: e.Timestamp}
		}
	})

	out := make([]UserLastSeen, 0, len(latest))
	for _, u := range latest {
		if len(tiers) > 0 && !slices.Contains(tiers, u.Tier) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
