package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestObserveCycle_CountsErrors(t *testing.T) {
	counter, err := MonitorCycleErrors.GetMetricWithLabelValues("test_monitor")
	require.NoError(t, err)

	before := &dto.Metric{}
	require.NoError(t, counter.Write(before))

	ObserveCycle("test_monitor", time.Now(), false)
	ObserveCycle("test_monitor", time.Now(), true)

	after := &dto.Metric{}
	require.NoError(t, counter.Write(after))
	assert.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())

	AlertsTriggeredTotal.WithLabelValues("usage_exceeded", "critical").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"usagewatch_active_alerts",
		"usagewatch_active_websocket_clients",
		"usagewatch_alerts_triggered_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
