package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, Actor: "copilot"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeaderOnlyWhenConfigured(t *testing.T) {
	var gotAuth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Anomalies(context.Background(), 0)
	require.NoError(t, err)
	_, err = NewClient(Config{APIURL: ts.URL, APIKey: "tok"}).Anomalies(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "Bearer tok"}, gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Alert not found or no longer active"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ResolveAlert(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Alert not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ExecutiveSummary(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).ActiveAlerts(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_QueryParameters(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.URL.RequestURI())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()
	c := NewClient(Config{APIURL: ts.URL})
	ctx := context.Background()

	_, _ = c.UsageMetrics(ctx, "", "", "u1", "pro")
	_, _ = c.AgentPerformance(ctx, "SAGE", 3)
	_, _ = c.ActiveAlerts(ctx, 5)
	_, _ = c.UserInsight(ctx, "a/b")

	assert.Equal(t, []string{
		"/analytics/usage?tier=pro&user_id=u1",
		"/analytics/agents/SAGE/performance?days=3",
		"/alerts?limit=5",
		"/analytics/users/a%2Fb/insight",
	}, got)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetUsageMetrics(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analytics/usage", r.URL.Path)
		assert.Equal(t, "2026-03-01T00:00:00Z", r.URL.Query().Get("start"))
		writeJSON(w, http.StatusOK, map[string]any{
			"period_start":       "2026-03-01T00:00:00Z",
			"period_end":         "2026-03-08T00:00:00Z",
			"total_interactions": 42,
			"total_tokens":       1500000,
			"unique_users":       7,
			"unique_sessions":    9,
			"avg_response_time":  812.4,
			"agent_breakdown": map[string]any{
				"SAGE":  map[string]any{"interactions": 12, "tokens": 500000, "users": 3},
				"NEXUS": map[string]any{"interactions": 30, "tokens": 1000000, "users": 5},
			},
			"tier_breakdown":   map[string]any{},
			"peak_usage_hours": []int{14, 9},
		})
	}))

	result, err := h.HandleGetUsageMetrics(context.Background(), makeRequest(map[string]any{"start": "2026-03-01T00:00:00Z"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Interactions: 42")
	assert.Contains(t, text, "Tokens: 1500000")
	assert.Contains(t, text, "Avg response time: 812 ms")
	assert.Contains(t, text, "Peak hours (UTC): 14:00, 09:00")
	assert.Less(t, strings.Index(text, "NEXUS:"), strings.Index(text, "SAGE:"), "agents sorted by name")
}

func TestHandleDetectAnomalies(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "14", r.URL.Query().Get("days"))
		writeJSON(w, http.StatusOK, map[string]any{
			"lookback_days": 14,
			"count":         1,
			"anomalies": []map[string]any{{
				"type": "token_spike", "agent_id": "NEXUS", "date": "2026-03-19T00:00:00Z",
				"severity": "high", "description": "NEXUS tokens 900 vs expected 100.0",
			}},
		})
	}))

	result, err := h.HandleDetectAnomalies(context.Background(), makeRequest(map[string]any{"days": float64(14)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 anomaly(ies) in the last 14 day(s)")
	assert.Contains(t, text, "[HIGH] token_spike on 2026-03-19")
}

func TestHandleDetectAnomalies_None(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"lookback_days": 7, "count": 0, "anomalies": []any{}})
	}))
	result, err := h.HandleDetectAnomalies(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No anomalies in the last 7 day(s).", resultText(t, result))
}

func TestHandleGetUserInsight(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analytics/users/u-9/insight", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": "u-9", "tier": "pro", "usage_score": 72.5, "risk_level": "low",
			"churn_probability": 0.3, "upgrade_opportunity": true,
			"recommendations": []string{"Offer upgrade to a higher tier"},
		})
	}))

	result, err := h.HandleGetUserInsight(context.Background(), makeRequest(map[string]any{"user_id": "u-9"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "User u-9 (pro tier)")
	assert.Contains(t, text, "Usage score: 72.5 / 100")
	assert.Contains(t, text, "Churn probability: 30%")
	assert.Contains(t, text, "Upgrade opportunity: yes")
	assert.Contains(t, text, "- Offer upgrade to a higher tier")
}

func TestHandleGetUserInsight_RequiresUser(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleGetUserInsight(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "user_id is required", resultText(t, result))
}

func TestHandleGetAgentPerformance(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agent_id": "SAGE", "total_interactions": 3})
	}))
	result, err := h.HandleGetAgentPerformance(context.Background(), makeRequest(map[string]any{"agent_id": "SAGE"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"agent_id": "SAGE"`)

	result, err = h.HandleGetAgentPerformance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetExecutiveSummary(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"period":          map[string]any{"days": 7},
			"key_metrics":     map[string]any{"total_interactions": 500, "total_tokens": 90000, "unique_users": 40},
			"trends":          map[string]any{"interactions_change": 25.0, "users_change": -12.5},
			"top_agents":      []map[string]any{{"agent_id": "NEXUS"}, {"agent_id": "BLAZE"}},
			"anomalies_count": 2,
			"key_insights":    []string{"Interactions increased 25.0% - excellent growth"},
		})
	}))

	result, err := h.HandleGetExecutiveSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Executive summary (last 7 day(s))")
	assert.Contains(t, text, "Interactions change: +25.0%")
	assert.Contains(t, text, "Users change: -12.5%")
	assert.Contains(t, text, "Top agents: NEXUS, BLAZE")
	assert.Contains(t, text, "Anomalies: 2")
	assert.Contains(t, text, "- Interactions increased 25.0% - excellent growth")
}

func TestHandleListActiveAlerts(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"count": 2,
			"alerts": []map[string]any{
				{"id": "al-1", "severity": "critical", "title": "Usage limit exceeded", "message": "u1 used 97%", "user_id": "u1"},
				{"id": "al-2", "severity": "medium", "title": "Slow agent", "agent_id": "ECHO", "acknowledged_by": "ops"},
			},
		})
	}))

	result, err := h.HandleListActiveAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 active alert(s)")
	assert.Contains(t, text, "1. [CRITICAL] Usage limit exceeded (id al-1)")
	assert.Contains(t, text, "Subject: u1")
	assert.Contains(t, text, "Subject: ECHO")
	assert.Contains(t, text, "Acknowledged by ops")
}

func TestHandleListActiveAlerts_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"count": 0, "alerts": []any{}})
	}))
	result, err := h.HandleListActiveAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No active alerts.", resultText(t, result))
}

func TestHandleAlertTransitions(t *testing.T) {
	var paths, bodies []string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(b))
		if r.URL.Path == "/alerts/gone/resolve" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Alert not found or no longer active"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alert": map[string]any{}})
	}))
	ctx := context.Background()

	result, err := h.HandleAcknowledgeAlert(ctx, makeRequest(map[string]any{"alert_id": "al-1"}))
	require.NoError(t, err)
	assert.Equal(t, "Alert al-1 acknowledged.", resultText(t, result))

	result, err = h.HandleResolveAlert(ctx, makeRequest(map[string]any{"alert_id": "al-1"}))
	require.NoError(t, err)
	assert.Equal(t, "Alert al-1 resolved.", resultText(t, result))

	result, err = h.HandleResolveAlert(ctx, makeRequest(map[string]any{"alert_id": "gone"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Alert not found")

	assert.Equal(t, []string{
		"POST /alerts/al-1/acknowledge",
		"POST /alerts/al-1/resolve",
		"POST /alerts/gone/resolve",
	}, paths)
	assert.JSONEq(t, `{"actor":"copilot"}`, bodies[0])

	result, err = h.HandleAcknowledgeAlert(ctx, makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
	tools := s.ListTools()
	for _, name := range []string{
		"get_usage_metrics", "detect_anomalies", "get_user_insight", "get_agent_performance",
		"get_executive_summary", "list_active_alerts", "acknowledge_alert", "resolve_alert",
	} {
		assert.Contains(t, tools, name)
	}
}
