package analytics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscrm/usagewatch/internal/usage"
)

func newAnalyticsRouter(e *Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(e).RegisterRoutes(r.Group(""))
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandler_GetUsageMetrics(t *testing.T) {
	e, s := newTestEngine(t)
	add(t, s, "u1", "NEXUS", usage.TierPro, 100, 1000, now.Add(-time.Hour))
	add(t, s, "u2", "BLAZE", usage.TierEssential, 50, 500, now.Add(-2*time.Hour))
	add(t, s, "u3", "SAGE", usage.TierPro, 70, 700, now.AddDate(0, 0, -40))
	r := newAnalyticsRouter(e)

	w := get(r, "/analytics/usage")
	require.Equal(t, http.StatusOK, w.Code)
	var m UsageMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, int64(2), m.TotalInteractions)
	assert.Equal(t, int64(150), m.TotalTokens)

	w = get(r, "/analytics/usage?tier=PRO&start="+now.AddDate(0, 0, -60).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, int64(2), m.TotalInteractions)
	assert.Equal(t, int64(170), m.TotalTokens)

	w = get(r, "/analytics/usage?user_id=u2")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, int64(1), m.UniqueUsers)
}

func TestHandler_GetUsageMetrics_BadInput(t *testing.T) {
	e, _ := newTestEngine(t)
	r := newAnalyticsRouter(e)

	for _, path := range []string{
		"/analytics/usage?start=yesterday",
		"/analytics/usage?tier=platinum",
		"/analytics/usage?start=2026-03-20T00:00:00Z&end=2026-03-19T00:00:00Z",
		"/analytics/usage?user_id=a%20b",
	} {
		assert.Equal(t, http.StatusBadRequest, get(r, path).Code, path)
	}
}

func TestHandler_GetAnomalies(t *testing.T) {
	e, s := newTestEngine(t)
	start := usage.DayOf(now).AddDate(0, 0, -7)
	for i, tokens := range []int64{10, 10, 10, 10, 10, 10, 100} {
		add(t, s, "u1", "NEXUS", usage.TierPro, tokens, 100, start.AddDate(0, 0, i).Add(time.Hour))
	}
	r := newAnalyticsRouter(e)

	w := get(r, "/analytics/anomalies?days=10")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Anomalies []Anomaly `json:"anomalies"`
		Count     int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, TokenSpike, body.Anomalies[0].Type)

	assert.Equal(t, http.StatusBadRequest, get(r, "/analytics/anomalies?days=zero").Code)
}

func TestHandler_GetUserInsight(t *testing.T) {
	e, _ := newTestEngine(t)
	r := newAnalyticsRouter(e)

	w := get(r, "/analytics/users/ghost/insight")
	require.Equal(t, http.StatusOK, w.Code)
	var in UserInsight
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &in))
	assert.Equal(t, "ghost", in.UserID)
	assert.Equal(t, RiskCritical, in.RiskLevel)
}

func TestHandler_GetAgentPerformance(t *testing.T) {
	e, s := newTestEngine(t)
	add(t, s, "u1", "CIPHER", usage.TierElite, 100, 2000, now.Add(-2*time.Hour))
	r := newAnalyticsRouter(e)

	w := get(r, "/analytics/agents/cipher/performance?days=3")
	require.Equal(t, http.StatusOK, w.Code)
	var p AgentPerformance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "CIPHER", p.AgentID)
	assert.Equal(t, 3, p.PeriodDays)
	assert.Equal(t, int64(1), p.TotalInteractions)
}

func TestHandler_GetExecutiveSummary(t *testing.T) {
	e, s := newTestEngine(t)
	add(t, s, "u1", "NEXUS", usage.TierPro, 100, 100, now.Add(-time.Hour))
	r := newAnalyticsRouter(e)

	w := get(r, "/analytics/summary")
	require.Equal(t, http.StatusOK, w.Code)
	var sum ExecutiveSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 7, sum.Period.Days)
	assert.Equal(t, int64(1), sum.KeyMetrics.TotalInteractions)
}
