// Package metrics provides Prometheus instrumentation for the usage watch service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usagewatch"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// UsageEventsTotal counts ingested usage events by result
	// (stored, rejected, dead_lettered).
	UsageEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage events received from the agent platform by result.",
		},
		[]string{"result"},
	)

	// UsageTokensTotal sums tokens of stored events by agent.
	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tokens_total",
			Help:      "Tokens consumed by stored usage events, by agent.",
		},
		[]string{"agent"},
	)

	// AlertsTriggeredTotal counts persisted alerts by rule and severity.
	AlertsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alerts created by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	// AlertsSuppressedTotal counts triggers dropped by cooldown.
	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alert triggers suppressed by the rule cooldown.",
		},
		[]string{"rule"},
	)

	// ActiveAlerts tracks alerts that are not yet resolved.
	ActiveAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Number of alerts in the active set.",
		},
	)

	// NotificationsTotal counts notification attempts by channel and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// NotificationQueueDepth tracks alerts waiting for dispatch.
	NotificationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Alerts waiting in the notification queue.",
		},
	)

	// MonitorCycleDuration observes monitor loop cycle latency.
	MonitorCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_duration_seconds",
			Help:      "Duration of one monitor loop cycle.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"monitor"},
	)

	// MonitorCycleErrors counts failed (or panicked) monitor cycles.
	MonitorCycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_errors_total",
			Help:      "Monitor loop cycles that returned an error or panicked.",
		},
		[]string{"monitor"},
	)

	// MetricsCacheRequests counts aggregator cache lookups by result (hit, miss, error).
	MetricsCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_cache_requests_total",
			Help:      "Usage metrics cache lookups by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected live dashboard clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected live dashboard clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UsageEventsTotal,
		UsageTokensTotal,
		AlertsTriggeredTotal,
		AlertsSuppressedTotal,
		ActiveAlerts,
		NotificationsTotal,
		NotificationQueueDepth,
		MonitorCycleDuration,
		MonitorCycleErrors,
		MetricsCacheRequests,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// ObserveCycle records the duration of a monitor cycle and counts it as an
// error when failed is true.
func ObserveCycle(monitor string, start time.Time, failed bool) {
	MonitorCycleDuration.WithLabelValues(monitor).Observe(time.Since(start).Seconds())
	if failed {
		MonitorCycleErrors.WithLabelValues(monitor).Inc()
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps label cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
