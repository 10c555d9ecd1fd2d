// Package analytics computes windowed usage statistics, per-agent anomalies,
// per-user insight scores and executive summaries over the usage event store.
//
// Every computation is a read over usage.Store; nothing here mutates events.
package analytics

import (
	"log/slog"
	"time"

	"github.com/nexuscrm/usagewatch/internal/usage"
)

// ScoringPolicy holds the weights and thresholds of the insight heuristics.
type ScoringPolicy struct {
	WindowDays  int // trailing window for user insights
	CatalogSize int // normalizer for agent diversity

	UsageWeight     float64
	ActivityWeight  float64
	DiversityWeight float64
	VolumeWeight    float64
	VolumeScale     float64 // interactions that saturate the volume term

	ChurnScoreWeight   float64
	ChurnRecencyWeight float64
	ChurnMin           float64
	ChurnMax           float64

	LowRiskScore    float64
	MediumRiskScore float64
	HighRiskScore   float64

	UpgradeUsage      float64 // fraction of the monthly limit
	UpgradeActiveDays int
	UpgradeTiers      []usage.Tier

	RecommendUpgradeUsage float64
	RecommendMinAgents    int
	RecommendMinDays      int
	SlowResponseMs        float64
}

// DefaultPolicy returns the production scoring policy.
func DefaultPolicy() ScoringPolicy {
	return ScoringPolicy{
		WindowDays:  30,
		CatalogSize: len(usage.Catalog),

		UsageWeight:     0.4,
		ActivityWeight:  0.3,
		DiversityWeight: 0.2,
		VolumeWeight:    0.1,
		VolumeScale:     100,

		ChurnScoreWeight:   0.6,
		ChurnRecencyWeight: 0.4,
		ChurnMin:           0.05,
		ChurnMax:           0.95,

		LowRiskScore:    80,
		MediumRiskScore: 60,
		HighRiskScore:   30,

		UpgradeUsage:      0.70,
		UpgradeActiveDays: 20,
		UpgradeTiers:      []usage.Tier{usage.TierEssential, usage.TierPro},

		RecommendUpgradeUsage: 0.80,
		RecommendMinAgents:    3,
		RecommendMinDays:      15,
		SlowResponseMs:        2000,
	}
}

// AnomalyPolicy holds the z-score thresholds of the anomaly detector.
type AnomalyPolicy struct {
	MinDays       int
	FlagZ         float64
	HighSeverityZ float64
}

// DefaultAnomalyPolicy flags z > 2 and rates z > 3 as high.
func DefaultAnomalyPolicy() AnomalyPolicy {
	return AnomalyPolicy{MinDays: 3, FlagZ: 2.0, HighSeverityZ: 3.0}
}

// Engine runs analytics queries against a usage store.
type Engine struct {
	store    usage.Store
	cache    MetricsCache
	cacheTTL time.Duration
	policy   ScoringPolicy
	anomaly  AnomalyPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the usage metrics cache and its TTL.
func WithCache(c MetricsCache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = c
		e.cacheTTL = ttl
	}
}

// WithPolicy overrides the scoring policy.
func WithPolicy(p ScoringPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithAnomalyPolicy overrides the anomaly thresholds.
func WithAnomalyPolicy(p AnomalyPolicy) Option {
	return func(e *Engine) { e.anomaly = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an analytics engine. Without WithCache, results are
// cached in memory for five minutes.
func NewEngine(store usage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cacheTTL: 5 * time.Minute,
		policy:   DefaultPolicy(),
		anomaly:  DefaultAnomalyPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewMemoryCache()
	}
	return e
}

// Policy returns the scoring policy in use.
func (e *Engine) Policy() ScoringPolicy {
	return e.policy
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
