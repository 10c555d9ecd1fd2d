package usage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUsageRouter(s Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(s)
	h.now = func() time.Time { return base.Add(time.Hour) }
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	return r
}

func TestHandler_GetStats(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s,
		ev("u1", "NEXUS", "s1", TierPro, 60_000, 400, base.Add(-48*time.Hour)),
		ev("u1", "SAGE", "s2", TierPro, 30_000, 800, base),
	)
	r := newUsageRouter(s)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/stats/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.TotalInteractions)
	assert.Equal(t, int64(90_000), st.TotalTokens)
	assert.Equal(t, TierPro, st.Tier)
	assert.InDelta(t, 60.0, st.UsagePercentage["tokens"], 1e-9)
	assert.InDelta(t, 600.0, st.AvgResponseTime, 1e-9)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/stats/u1?days=1", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.TotalInteractions)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/stats/u1?days=-2", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetStats_UnknownUser(t *testing.T) {
	r := newUsageRouter(NewMemoryStore())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/stats/ghost", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, TierEssential, st.Tier)
	assert.Empty(t, st.AgentsUsed)
}

func TestHandler_GetLimits(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, ev("u1", "NEXUS", "s1", TierEssential, 46_000, 100, base))
	r := newUsageRouter(s)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/limits/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var ls LimitStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ls))
	assert.Equal(t, "critical", ls.Status)
	assert.True(t, ls.UpgradeRecommended)
	assert.Equal(t, []string{"Token limit almost reached (90%+)"}, ls.Alerts)
}

func TestHandler_InvalidUserID(t *testing.T) {
	r := newUsageRouter(NewMemoryStore())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/limits/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListTiers(t *testing.T) {
	r := newUsageRouter(NewMemoryStore())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent-usage/tiers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Tiers  map[string]TierLimits `json:"tiers"`
		Agents []string              `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Tiers, 5)
	assert.Equal(t, int64(150_000), body.Tiers["pro"].MonthlyTokens)
	assert.Len(t, body.Agents, 11)
}
