package alerts

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Store persists alerts. InsertIfNotCooling must check the cooldown and
// insert as one atomic step per (rule, subject).
type Store interface {
	// InsertIfNotCooling stores a unless an alert for the same rule and
	// subject was triggered after since. It reports whether a was stored.
	InsertIfNotCooling(ctx context.Context, a *Alert, since time.Time) (bool, error)
	// MarkAcknowledged and MarkResolved fail with ErrAlertResolved once the
	// alert is resolved, so concurrent transitions cannot both land.
	MarkAcknowledged(ctx context.Context, id, actor string, at time.Time) error
	MarkResolved(ctx context.Context, id, actor string, at time.Time, auto bool) error
	SetChannelsSent(ctx context.Context, id string, channels []Channel) error
	// ListActive returns unresolved alerts, newest first. limit <= 0 means all.
	ListActive(ctx context.Context, limit int) ([]*Alert, error)
	// DeleteResolvedBefore removes resolved alerts triggered before cutoff.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert
	latest map[string]time.Time // rule|subject -> newest triggered_at
}

// NewMemoryStore creates an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*Alert),
		latest: make(map[string]time.Time),
	}
}

func cooldownKey(ruleID, subject string) string {
	return ruleID + "|" + subject
}

func (s *MemoryStore) InsertIfNotCooling(_ context.Context, a *Alert, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cooldownKey(a.RuleID, a.SubjectKey)
	if last, ok := s.latest[key]; ok && last.After(since) {
		return false, nil
	}
	s.alerts[a.ID] = a.Clone()
	s.latest[key] = a.TriggeredAt
	return true, nil
}

func (s *MemoryStore) MarkAcknowledged(_ context.Context, id, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.Resolved() {
		return ErrAlertResolved
	}
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = actor
	return nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, id, actor string, at time.Time, auto bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.Resolved() {
		return ErrAlertResolved
	}
	a.ResolvedAt = &at
	a.ResolvedBy = actor
	a.AutoResolved = auto
	return nil
}

func (s *MemoryStore) SetChannelsSent(_ context.Context, id string, channels []Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.ChannelsSent = slices.Clone(channels)
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]*Alert, error) {
	s.mu.Lock()
	out := make([]*Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if !a.Resolved() {
			out = append(out, a.Clone())
		}
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteResolvedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.alerts {
		if a.Resolved() && a.TriggeredAt.Before(cutoff) {
			delete(s.alerts, id)
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(alerts []*Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
		}
		return alerts[i].ID > alerts[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
