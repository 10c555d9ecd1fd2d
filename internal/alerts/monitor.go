package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexuscrm/usagewatch/internal/analytics"
	"github.com/nexuscrm/usagewatch/internal/metrics"
	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

// Schedule is a loop's normal interval and the shorter wait after a failed cycle.
type Schedule struct {
	Interval time.Duration
	Retry    time.Duration
}

// Intervals configures every periodic monitor.
type Intervals struct {
	Usage       Schedule
	Anomaly     Schedule
	Churn       Schedule
	Performance Schedule
	Cleanup     Schedule
}

// DefaultIntervals returns the production schedules.
func DefaultIntervals() Intervals {
	return Intervals{
		Usage:       Schedule{Interval: 5 * time.Minute, Retry: time.Minute},
		Anomaly:     Schedule{Interval: 15 * time.Minute, Retry: 5 * time.Minute},
		Churn:       Schedule{Interval: time.Hour, Retry: 10 * time.Minute},
		Performance: Schedule{Interval: 30 * time.Minute, Retry: 10 * time.Minute},
		Cleanup:     Schedule{Interval: time.Hour, Retry: 10 * time.Minute},
	}
}

const (
	anomalyLookbackDays = 7
	churnWindow         = 30 * 24 * time.Hour
	performanceDays     = 1
)

// Monitor runs the periodic checks that feed the Manager, plus the
// notification processor. One Start/Stop pair controls every loop.
type Monitor struct {
	manager   *Manager
	usage     usage.Store
	engine    *analytics.Engine
	intervals Intervals
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewMonitor wires the monitor loops.
func NewMonitor(manager *Manager, store usage.Store, engine *analytics.Engine, intervals Intervals, logger *slog.Logger) *Monitor {
	return &Monitor{
		manager:   manager,
		usage:     store,
		engine:    engine,
		intervals: intervals,
		logger:    logger,
		now:       manager.now,
	}
}

type loop struct {
	name     string
	schedule Schedule
	run      func(context.Context) error
}

func (m *Monitor) loops() []loop {
	return []loop{
		{"usage", m.intervals.Usage, m.CheckUsageLimits},
		{"anomaly", m.intervals.Anomaly, m.CheckAnomalies},
		{"churn", m.intervals.Churn, m.CheckChurnRisk},
		{"performance", m.intervals.Performance, m.CheckPerformance},
		{"cleanup", m.intervals.Cleanup, func(ctx context.Context) error {
			_, err := m.manager.Cleanup(ctx)
			return err
		}},
	}
}

// Running reports whether the loops are active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start launches every loop in its own goroutine and returns immediately.
// Each periodic loop runs its first cycle right away.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running.Store(true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.manager.ProcessNotifications(ctx)
	}()
	for _, l := range m.loops() {
		m.wg.Add(1)
		go m.runLoop(ctx, l)
	}
	m.logger.Info("alert monitoring started")
}

// Stop cancels every loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.running.Store(false)
	m.logger.Info("alert monitoring stopped")
}

func (m *Monitor) runLoop(ctx context.Context, l loop) {
	defer m.wg.Done()
	for {
		wait := l.schedule.Interval
		if err := m.safeRun(ctx, l); err != nil {
			m.logger.Error("monitor cycle failed", "monitor", l.name, "error", err, "retry_in", l.schedule.Retry)
			wait = l.schedule.Retry
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) safeRun(ctx context.Context, l loop) (err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "monitor."+l.name, traces.Monitor(l.name))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		traces.End(span, err)
		metrics.ObserveCycle(l.name, start, err != nil)
	}()
	return l.run(ctx)
}

// CheckUsageLimits evaluates every (user, tier) pair's usage this calendar
// month. Usage alerts left over from a previous month are auto-resolved.
func (m *Monitor) CheckUsageLimits(ctx context.Context) error {
	monthStart := usage.MonthStart(m.now())
	if _, err := m.manager.AutoResolve(ctx, func(a *Alert) bool {
		return (a.RuleID == RuleUsageApproaching || a.RuleID == RuleUsageExceeded) &&
			a.TriggeredAt.Before(monthStart)
	}); err != nil {
		m.logger.Warn("auto-resolve of stale usage alerts failed", "error", err)
	}

	rows, err := m.usage.UsageByUserTier(ctx, monthStart)
	if err != nil {
		return fmt.Errorf("monthly usage: %w", err)
	}
	var errs []error
	for _, row := range rows {
		if err := m.evaluateUsage(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckUserUsage evaluates one user's usage this month. The ingestor calls it
// after each stored event; cooldowns absorb the repetition.
func (m *Monitor) CheckUserUsage(ctx context.Context, userID string) error {
	act, err := m.usage.UserActivity(ctx, userID, usage.MonthStart(m.now()))
	if err != nil {
		return fmt.Errorf("user usage: %w", err)
	}
	if act == nil {
		return nil
	}
	return m.evaluateUsage(ctx, usage.UserTierUsage{
		UserID:     act.UserID,
		Tier:       act.Tier,
		Tokens:     act.Tokens,
		ActiveDays: act.ActiveDays,
	})
}

// Default usage bands, used when the band's rule is not registered.
const (
	defaultWarningThreshold  = 0.80
	defaultCriticalThreshold = 0.95
)

// ClassifyUsage places u in exactly one usage band and returns the rule for
// it: exceeded at or above the critical threshold, approaching between the
// warning and critical thresholds, otherwise an upgrade candidate when that
// rule's tier and active-day conditions hold. Bands do not depend on which
// rules are enabled; a disabled rule leaves its band silent.
func (m *Monitor) ClassifyUsage(u usage.UserTierUsage) (Rule, float64, bool) {
	limit := usage.LimitsFor(u.Tier).MonthlyTokens
	pct := float64(u.Tokens) / float64(limit)

	rules := m.manager.rules
	warning, critical := defaultWarningThreshold, defaultCriticalThreshold
	if r, ok := rules.Get(RuleUsageApproaching); ok && r.Conditions.UsageThreshold > 0 {
		warning = r.Conditions.UsageThreshold
	}
	if r, ok := rules.Get(RuleUsageExceeded); ok && r.Conditions.UsageThreshold > 0 {
		critical = r.Conditions.UsageThreshold
	}

	switch {
	case pct >= critical:
		r, ok := rules.Enabled(RuleUsageExceeded)
		return r, pct, ok
	case pct >= warning:
		r, ok := rules.Enabled(RuleUsageApproaching)
		return r, pct, ok
	}
	if r, ok := rules.Enabled(RuleUpgradeOpportunity); ok &&
		r.Conditions.AllowsTier(u.Tier) && pct >= r.Conditions.UsageThreshold &&
		u.ActiveDays >= r.Conditions.MinActiveDays {
		return r, pct, true
	}
	return Rule{}, pct, false
}

func (m *Monitor) evaluateUsage(ctx context.Context, u usage.UserTierUsage) error {
	rule, pct, ok := m.ClassifyUsage(u)
	if !ok {
		return nil
	}
	limit := usage.LimitsFor(u.Tier).MonthlyTokens
	tier := strings.ToUpper(string(u.Tier))

	req := TriggerRequest{
		RuleID: rule.ID,
		UserID: u.UserID,
		Metadata: map[string]any{
			"usage_percentage": pct,
			"tokens_used":      u.Tokens,
			"tokens_limit":     limit,
			"tier":             string(u.Tier),
		},
	}
	switch rule.ID {
	case RuleUsageExceeded:
		req.Title = fmt.Sprintf("Usage limit EXCEEDED - %s", tier)
		req.Message = fmt.Sprintf("User %s has exceeded their monthly limit (%.1f%% - %d/%d tokens)", u.UserID, pct*100, u.Tokens, limit)
		req.Metadata["overage"] = u.Tokens - limit
	case RuleUsageApproaching:
		req.Title = fmt.Sprintf("Usage limit approaching - %s", tier)
		req.Message = fmt.Sprintf("User %s has used %.1f%% of their monthly limit (%d/%d tokens)", u.UserID, pct*100, u.Tokens, limit)
		req.Metadata["days_remaining"] = daysRemainingInMonth(m.now())
	case RuleUpgradeOpportunity:
		req.Title = fmt.Sprintf("Upgrade opportunity - %s", u.UserID)
		req.Message = fmt.Sprintf("Active user %s is using %.1f%% of the %s limit and is an upgrade candidate", u.UserID, pct*100, u.Tier)
		req.Metadata["suggested_tier"] = suggestedTier(u.Tier)
		req.Metadata["active_days"] = u.ActiveDays
	}

	if _, err := m.manager.TriggerAlert(ctx, req); err != nil {
		return fmt.Errorf("usage alert for %s: %w", u.UserID, err)
	}
	return nil
}

func daysRemainingInMonth(now time.Time) int {
	next := usage.MonthStart(now).AddDate(0, 1, 0)
	return int(next.Sub(now.UTC()).Hours() / 24)
}

func suggestedTier(t usage.Tier) usage.Tier {
	for i, tier := range usage.Tiers {
		if tier == t && i+1 < len(usage.Tiers) {
			return usage.Tiers[i+1]
		}
	}
	return t
}

// CheckAnomalies alerts on high or critical severity anomalies over the
// last week.
func (m *Monitor) CheckAnomalies(ctx context.Context) error {
	anomalies, err := m.engine.DetectAnomalies(ctx, anomalyLookbackDays)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range anomalies {
		if a.Severity != "high" && a.Severity != "critical" {
			continue
		}
		_, err := m.manager.TriggerAlert(ctx, TriggerRequest{
			RuleID:  RuleAnomaly,
			AgentID: a.AgentID,
			Title:   fmt.Sprintf("Usage anomaly - %s", a.AgentID),
			Message: a.Description,
			Metadata: map[string]any{
				"anomaly_type": string(a.Type),
				"date":         a.Date.Format("2006-01-02"),
				"value":        a.Value,
				"expected":     a.Expected,
				"z_score":      a.ZScore,
				"severity":     a.Severity,
			},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckChurnRisk scores paid users active in the last 30 days and alerts on
// likely churners. The same pass raises inactivity alerts.
func (m *Monitor) CheckChurnRisk(ctx context.Context) error {
	now := m.now().UTC()
	tiers := usage.PaidTiers
	if r, ok := m.manager.rules.Get(RuleChurnRisk); ok && len(r.Conditions.Tiers) > 0 {
		tiers = r.Conditions.Tiers
	}
	users, err := m.usage.LastSeen(ctx, now.Add(-churnWindow), tiers)
	if err != nil {
		return fmt.Errorf("recent paid users: %w", err)
	}

	var errs []error
	for _, u := range users {
		if err := m.checkChurn(ctx, u); err != nil {
			errs = append(errs, err)
		}
		if err := m.checkInactive(ctx, u, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) checkChurn(ctx context.Context, u usage.UserLastSeen) error {
	rule, ok := m.manager.rules.Enabled(RuleChurnRisk)
	if !ok || !rule.Conditions.AllowsTier(u.Tier) {
		return nil
	}
	insight, err := m.engine.GenerateUserInsight(ctx, u.UserID)
	if err != nil {
		m.logger.Warn("insight generation failed", "user_id", u.UserID, "error", err)
		return nil
	}
	if insight.ChurnProbability < rule.Conditions.ChurnThreshold {
		return nil
	}
	if insight.RiskLevel != analytics.RiskHigh && insight.RiskLevel != analytics.RiskCritical {
		return nil
	}

	_, err = m.manager.TriggerAlert(ctx, TriggerRequest{
		RuleID:  RuleChurnRisk,
		UserID:  u.UserID,
		Title:   fmt.Sprintf("Churn risk - %s", strings.ToUpper(string(u.Tier))),
		Message: fmt.Sprintf("User %s has a %.1f%% churn probability (score: %.1f)", u.UserID, insight.ChurnProbability*100, insight.UsageScore),
		Metadata: map[string]any{
			"churn_probability": insight.ChurnProbability,
			"usage_score":       insight.UsageScore,
			"risk_level":        string(insight.RiskLevel),
			"recommendations":   insight.Recommendations,
			"tier":              string(u.Tier),
		},
	})
	return err
}

func (m *Monitor) checkInactive(ctx context.Context, u usage.UserLastSeen, now time.Time) error {
	rule, ok := m.manager.rules.Enabled(RuleUserInactive)
	if !ok || !rule.Conditions.AllowsTier(u.Tier) {
		return nil
	}
	idle := now.Sub(u.LastSeen)
	if idle < time.Duration(rule.Conditions.InactiveDays)*24*time.Hour {
		return nil
	}
	days := int(idle.Hours() / 24)
	_, err := m.manager.TriggerAlert(ctx, TriggerRequest{
		RuleID:  RuleUserInactive,
		UserID:  u.UserID,
		Title:   fmt.Sprintf("User inactive - %s", u.UserID),
		Message: fmt.Sprintf("User %s (%s) has not used any agent for %d days", u.UserID, u.Tier, days),
		Metadata: map[string]any{
			"last_seen":     u.LastSeen.Format(time.RFC3339),
			"inactive_days": days,
			"tier":          string(u.Tier),
		},
	})
	return err
}

// CheckPerformance alerts on roster agents whose average response time over
// the last day is above the rule's threshold with enough traffic to matter.
func (m *Monitor) CheckPerformance(ctx context.Context) error {
	rule, ok := m.manager.rules.Enabled(RulePerformanceDegradation)
	if !ok {
		return nil
	}
	var errs []error
	for _, agentID := range usage.PerformanceRoster {
		perf, err := m.engine.AgentPerformance(ctx, agentID, performanceDays)
		if err != nil {
			errs = append(errs, fmt.Errorf("performance of %s: %w", agentID, err))
			continue
		}
		if perf.AvgResponseTime <= rule.Conditions.MaxResponseTimeMs ||
			perf.TotalInteractions <= rule.Conditions.MinInteractions {
			continue
		}
		_, err = m.manager.TriggerAlert(ctx, TriggerRequest{
			RuleID:  RulePerformanceDegradation,
			AgentID: agentID,
			Title:   fmt.Sprintf("Performance degradation - %s", agentID),
			Message: fmt.Sprintf("Agent %s shows elevated response time: %.0fms (interactions: %d)", agentID, perf.AvgResponseTime, perf.TotalInteractions),
			Metadata: map[string]any{
				"avg_response_time":  perf.AvgResponseTime,
				"total_interactions": perf.TotalInteractions,
				"success_rate":       perf.SuccessRate,
				"threshold":          rule.Conditions.MaxResponseTimeMs,
			},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
