package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nexuscrm/usagewatch/internal/idgen"
	"github.com/nexuscrm/usagewatch/internal/metrics"
	"github.com/nexuscrm/usagewatch/internal/traces"
)

const (
	defaultQueueSize     = 1024
	defaultHistoryWindow = 7 * 24 * time.Hour
	defaultActiveLimit   = 50
)

// Dispatcher delivers an alert to channels and returns the ones that succeeded.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *Alert, channels []Channel) []Channel
}

// TriggerRequest describes a candidate alert.
type TriggerRequest struct {
	RuleID   string
	Title    string
	Message  string
	UserID   string
	AgentID  string
	Metadata map[string]any
}

type notification struct {
	alert    *Alert
	channels []Channel
}

// Manager owns the active alert set, the in-memory history and the
// notification queue. All alert state is guarded by mu.
type Manager struct {
	rules      *Registry
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	active  map[string]*Alert
	history []*Alert

	queue          chan notification
	historyWindow  time.Duration
	storeRetention time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithQueueSize sets the notification queue capacity.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queue = make(chan notification, n) }
}

// WithHistoryWindow sets how long alerts stay in the in-memory history.
func WithHistoryWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.historyWindow = d }
}

// WithStoreRetention makes Cleanup purge persisted resolved alerts triggered
// more than d ago. Zero, the default, keeps persisted alerts forever.
func WithStoreRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.storeRetention = d }
}

// NewManager creates an alert manager.
func NewManager(rules *Registry, store Store, dispatcher Dispatcher, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		rules:         rules,
		store:         store,
		dispatcher:    dispatcher,
		logger:        logger,
		now:           time.Now,
		active:        make(map[string]*Alert),
		queue:         make(chan notification, defaultQueueSize),
		historyWindow: defaultHistoryWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rules returns the rule registry.
func (m *Manager) Rules() *Registry {
	return m.rules
}

// Load restores the active set from the store, for use at startup.
func (m *Manager) Load(ctx context.Context) error {
	alerts, err := m.store.ListActive(ctx, 0)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}
	m.mu.Lock()
	for _, a := range alerts {
		m.active[a.ID] = a
		m.history = append(m.history, a)
	}
	m.updateGaugeLocked()
	m.mu.Unlock()
	return nil
}

// TriggerAlert raises an alert for req if its rule is registered, enabled and
// not cooling down for the subject. It returns nil without error when the
// trigger is ignored or suppressed.
func (m *Manager) TriggerAlert(ctx context.Context, req TriggerRequest) (*Alert, error) {
	rule, ok := m.rules.Enabled(req.RuleID)
	if !ok {
		return nil, nil
	}

	ctx, span := traces.StartSpan(ctx, "alerts.TriggerAlert", traces.RuleID(rule.ID))
	var err error
	defer func() { traces.End(span, err) }()

	now := m.now().UTC()
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	a := &Alert{
		ID:           idgen.WithPrefix("alrt_"),
		RuleID:       rule.ID,
		Type:         rule.Type,
		Severity:     rule.Severity,
		Title:        req.Title,
		Message:      req.Message,
		UserID:       req.UserID,
		AgentID:      req.AgentID,
		SubjectKey:   SubjectKey(req.UserID, req.AgentID),
		Metadata:     meta,
		TriggeredAt:  now,
		ChannelsSent: []Channel{},
	}

	var inserted bool
	inserted, err = m.store.InsertIfNotCooling(ctx, a, now.Add(-rule.Cooldown))
	if err != nil {
		return nil, fmt.Errorf("store alert: %w", err)
	}
	if !inserted {
		metrics.AlertsSuppressedTotal.WithLabelValues(rule.ID).Inc()
		return nil, nil
	}

	m.mu.Lock()
	m.active[a.ID] = a
	m.history = append(m.history, a)
	m.updateGaugeLocked()
	snapshot := a.Clone()
	m.mu.Unlock()

	metrics.AlertsTriggeredTotal.WithLabelValues(rule.ID, string(rule.Severity)).Inc()
	m.logger.Info("alert triggered",
		"alert_id", a.ID, "rule", rule.ID, "severity", rule.Severity,
		"subject", a.SubjectKey, "title", a.Title)

	select {
	case m.queue <- notification{alert: snapshot, channels: slices.Clone(rule.Channels)}:
		metrics.NotificationQueueDepth.Set(float64(len(m.queue)))
	case <-ctx.Done():
		m.logger.Warn("alert not queued for notification", "alert_id", a.ID, "error", ctx.Err())
	}
	return snapshot, nil
}

// Acknowledge marks an active alert as acknowledged by actor.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*Alert, error) {
	if err := m.checkTransition(id); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.store.MarkAcknowledged(ctx, id, actor, now); err != nil {
		return nil, transitionErr("acknowledge", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	// The store accepted the acknowledgement before any resolution landed.
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	return a.Clone(), nil
}

// Resolve closes an active alert. Resolution is terminal.
func (m *Manager) Resolve(ctx context.Context, id, actor string) (*Alert, error) {
	return m.resolve(ctx, id, actor, false)
}

func (m *Manager) resolve(ctx context.Context, id, actor string, auto bool) (*Alert, error) {
	if err := m.checkTransition(id); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.store.MarkResolved(ctx, id, actor, now, auto); err != nil {
		return nil, transitionErr("resolve", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	a.AutoResolved = auto
	m.updateGaugeLocked()
	return a.Clone(), nil
}

// checkTransition reports whether id is in the active set and unresolved.
// The store write that follows runs without the manager lock and is the
// final arbiter between concurrent transitions.
func (m *Manager) checkTransition(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.Resolved() {
		return ErrAlertResolved
	}
	return nil
}

func transitionErr(op, id string, err error) error {
	if errors.Is(err, ErrAlertResolved) || errors.Is(err, ErrAlertNotFound) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// AutoResolve resolves every active alert matching match on behalf of the
// system and returns how many it resolved. match runs under the manager lock.
func (m *Manager) AutoResolve(ctx context.Context, match func(*Alert) bool) (int, error) {
	m.mu.Lock()
	var ids []string
	for id, a := range m.active {
		if !a.Resolved() && match(a) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	var errs []error
	for _, id := range ids {
		if _, err := m.resolve(ctx, id, "system", true); err != nil {
			if !errors.Is(err, ErrAlertResolved) && !errors.Is(err, ErrAlertNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ActiveAlerts returns unresolved alerts, newest first. limit <= 0 means 50.
func (m *Manager) ActiveAlerts(limit int) []*Alert {
	if limit <= 0 {
		limit = defaultActiveLimit
	}
	m.mu.Lock()
	out := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		if !a.Resolved() {
			out = append(out, a.Clone())
		}
	}
	m.mu.Unlock()

	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ActiveCount is the number of unresolved alerts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.active {
		if !a.Resolved() {
			n++
		}
	}
	return n
}

// History returns a snapshot of recent alerts in trigger order.
func (m *Manager) History() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, len(m.history))
	for i, a := range m.history {
		out[i] = a.Clone()
	}
	return out
}

// Recent returns the in-memory history newest first, resolved alerts included.
func (m *Manager) Recent() []*Alert {
	out := m.History()
	sortNewestFirst(out)
	return out
}

// Cleanup drops in-memory history older than the history window and removes
// resolved alerts from the active set. Persisted alerts are only purged when a
// store retention is configured. It returns the number removed from the set.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	now := m.now().UTC()
	cutoff := now.Add(-m.historyWindow)

	m.mu.Lock()
	kept := m.history[:0]
	for _, a := range m.history {
		if a.TriggeredAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	clear(m.history[len(kept):])
	m.history = kept

	removed := 0
	for id, a := range m.active {
		if a.Resolved() {
			delete(m.active, id)
			removed++
		}
	}
	m.updateGaugeLocked()
	m.mu.Unlock()

	var purged int64
	if m.storeRetention > 0 {
		var err error
		purged, err = m.store.DeleteResolvedBefore(ctx, now.Add(-m.storeRetention))
		if err != nil {
			return removed, fmt.Errorf("purge resolved alerts: %w", err)
		}
	}
	m.logger.Debug("alert cleanup", "resolved_removed", removed, "purged", purged)
	return removed, nil
}

// ProcessNotifications drains the queue until ctx is done. It is the single
// consumer of the queue.
func (m *Manager) ProcessNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-m.queue:
			metrics.NotificationQueueDepth.Set(float64(len(m.queue)))
			m.deliver(ctx, n)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, n notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic delivering alert", "alert_id", n.alert.ID, "panic", fmt.Sprint(r))
		}
	}()

	sent := m.dispatcher.Dispatch(ctx, n.alert, n.channels)
	if sent == nil {
		sent = []Channel{}
	}

	m.mu.Lock()
	if a, ok := m.active[n.alert.ID]; ok {
		a.ChannelsSent = slices.Clone(sent)
	}
	m.mu.Unlock()

	if err := m.store.SetChannelsSent(ctx, n.alert.ID, sent); err != nil {
		m.logger.Warn("failed to record notification channels", "alert_id", n.alert.ID, "error", err)
	}
	m.logger.Info("notifications sent", "alert_id", n.alert.ID, "channels", sent)
}

// QueueLen reports pending notifications.
func (m *Manager) QueueLen() int {
	return len(m.queue)
}

func (m *Manager) updateGaugeLocked() {
	n := 0
	for _, a := range m.active {
		if !a.Resolved() {
			n++
		}
	}
	metrics.ActiveAlerts.Set(float64(n))
}
