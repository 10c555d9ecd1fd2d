package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetUsageMetrics reports aggregated usage for a window.
func (h *Handlers) HandleGetUsageMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.UsageMetrics(ctx,
		req.GetString("start", ""),
		req.GetString("end", ""),
		req.GetString("user_id", ""),
		req.GetString("tier", ""),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage metrics: %v", err)), nil
	}
	text, err := formatUsageMetrics(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage metrics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDetectAnomalies lists usage anomalies.
func (h *Handlers) HandleDetectAnomalies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Anomalies(ctx, req.GetInt("days", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to detect anomalies: %v", err)), nil
	}
	text, err := formatAnomalies(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse anomalies: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUserInsight scores one user.
func (h *Handlers) HandleGetUserInsight(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	raw, err := h.client.UserInsight(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get user insight: %v", err)), nil
	}
	text, err := formatInsight(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse user insight: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAgentPerformance summarizes one agent.
func (h *Handlers) HandleGetAgentPerformance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	raw, err := h.client.AgentPerformance(ctx, agentID, req.GetInt("days", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent performance: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetExecutiveSummary returns the dashboard summary.
func (h *Handlers) HandleGetExecutiveSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ExecutiveSummary(ctx, req.GetInt("days", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get executive summary: %v", err)), nil
	}
	text, err := formatSummary(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse executive summary: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListActiveAlerts lists unresolved alerts.
func (h *Handlers) HandleListActiveAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ActiveAlerts(ctx, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}
	text, err := formatAlertList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAcknowledgeAlert acknowledges one alert.
func (h *Handlers) HandleAcknowledgeAlert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := req.GetString("alert_id", "")
	if alertID == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}
	if _, err := h.client.AcknowledgeAlert(ctx, alertID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to acknowledge alert: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Alert %s acknowledged.", alertID)), nil
}

// HandleResolveAlert resolves one alert.
func (h *Handlers) HandleResolveAlert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := req.GetString("alert_id", "")
	if alertID == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}
	if _, err := h.client.ResolveAlert(ctx, alertID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve alert: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Alert %s resolved.", alertID)), nil
}

// --- formatting ---

func formatUsageMetrics(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage from %s to %s:\n", getString(m, "period_start"), getString(m, "period_end"))
	fmt.Fprintf(&sb, "  Interactions: %s\n", getString(m, "total_interactions"))
	fmt.Fprintf(&sb, "  Tokens: %s\n", getString(m, "total_tokens"))
	fmt.Fprintf(&sb, "  Unique users: %s\n", getString(m, "unique_users"))
	fmt.Fprintf(&sb, "  Unique sessions: %s\n", getString(m, "unique_sessions"))
	if v, ok := getFloat(m, "avg_response_time"); ok {
		fmt.Fprintf(&sb, "  Avg response time: %.0f ms\n", v)
	}

	if agents, ok := m["agent_breakdown"].(map[string]any); ok && len(agents) > 0 {
		sb.WriteString("\nBy agent:\n")
		for _, id := range sortedKeys(agents) {
			b, _ := agents[id].(map[string]any)
			fmt.Fprintf(&sb, "  %s: %s interactions, %s tokens, %s users\n",
				id, getString(b, "interactions"), getString(b, "tokens"), getString(b, "users"))
		}
	}
	if tiers, ok := m["tier_breakdown"].(map[string]any); ok && len(tiers) > 0 {
		sb.WriteString("\nBy tier:\n")
		for _, id := range sortedKeys(tiers) {
			b, _ := tiers[id].(map[string]any)
			fmt.Fprintf(&sb, "  %s: %s interactions, %s tokens, %s users\n",
				id, getString(b, "interactions"), getString(b, "tokens"), getString(b, "users"))
		}
	}
	if hours, ok := m["peak_usage_hours"].([]any); ok && len(hours) > 0 {
		parts := make([]string, 0, len(hours))
		for _, hr := range hours {
			if f, ok := hr.(float64); ok {
				parts = append(parts, fmt.Sprintf("%02d:00", int(f)))
			}
		}
		fmt.Fprintf(&sb, "\nPeak hours (UTC): %s\n", strings.Join(parts, ", "))
	}
	return sb.String(), nil
}

func formatAnomalies(raw json.RawMessage) (string, error) {
	var resp struct {
		Anomalies    []map[string]any `json:"anomalies"`
		LookbackDays int              `json:"lookback_days"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Anomalies) == 0 {
		return fmt.Sprintf("No anomalies in the last %d day(s).", resp.LookbackDays), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d anomaly(ies) in the last %d day(s):\n\n", len(resp.Anomalies), resp.LookbackDays)
	for i, a := range resp.Anomalies {
		day := getString(a, "date")
		if len(day) >= 10 {
			day = day[:10]
		}
		fmt.Fprintf(&sb, "%d. [%s] %s on %s\n", i+1, strings.ToUpper(getString(a, "severity")), getString(a, "type"), day)
		if d := getString(a, "description"); d != "" {
			fmt.Fprintf(&sb, "   %s\n", d)
		}
	}
	return sb.String(), nil
}

func formatInsight(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User %s (%s tier):\n", getString(m, "user_id"), getString(m, "tier"))
	if v, ok := getFloat(m, "usage_score"); ok {
		fmt.Fprintf(&sb, "  Usage score: %.1f / 100\n", v)
	}
	fmt.Fprintf(&sb, "  Risk level: %s\n", getString(m, "risk_level"))
	if v, ok := getFloat(m, "churn_probability"); ok {
		fmt.Fprintf(&sb, "  Churn probability: %.0f%%\n", v*100)
	}
	if up, _ := m["upgrade_opportunity"].(bool); up {
		sb.WriteString("  Upgrade opportunity: yes\n")
	}
	if recs, ok := m["recommendations"].([]any); ok && len(recs) > 0 {
		sb.WriteString("  Recommendations:\n")
		for _, r := range recs {
			fmt.Fprintf(&sb, "    - %v\n", r)
		}
	}
	return sb.String(), nil
}

func formatSummary(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	period, _ := m["period"].(map[string]any)
	fmt.Fprintf(&sb, "Executive summary (last %s day(s)):\n", getString(period, "days"))
	if km, ok := m["key_metrics"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Interactions: %s\n", getString(km, "total_interactions"))
		fmt.Fprintf(&sb, "  Tokens: %s\n", getString(km, "total_tokens"))
		fmt.Fprintf(&sb, "  Active users: %s\n", getString(km, "unique_users"))
	}
	if tr, ok := m["trends"].(map[string]any); ok {
		ic, _ := getFloat(tr, "interactions_change")
		uc, _ := getFloat(tr, "users_change")
		fmt.Fprintf(&sb, "  Interactions change: %+.1f%%\n", ic)
		fmt.Fprintf(&sb, "  Users change: %+.1f%%\n", uc)
	}
	if top, ok := m["top_agents"].([]any); ok && len(top) > 0 {
		names := make([]string, 0, len(top))
		for _, t := range top {
			if a, ok := t.(map[string]any); ok {
				names = append(names, getString(a, "agent_id"))
			}
		}
		fmt.Fprintf(&sb, "  Top agents: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&sb, "  Anomalies: %s\n", getString(m, "anomalies_count"))
	if ins, ok := m["key_insights"].([]any); ok && len(ins) > 0 {
		sb.WriteString("\nInsights:\n")
		for _, s := range ins {
			fmt.Fprintf(&sb, "  - %v\n", s)
		}
	}
	return sb.String(), nil
}

func formatAlertList(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts []map[string]any `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Alerts) == 0 {
		return "No active alerts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d active alert(s):\n\n", len(resp.Alerts))
	for i, a := range resp.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s (id %s)\n", i+1, strings.ToUpper(getString(a, "severity")), getString(a, "title"), getString(a, "id"))
		if msg := getString(a, "message"); msg != "" {
			fmt.Fprintf(&sb, "   %s\n", msg)
		}
		subject := getString(a, "user_id")
		if subject == "" {
			subject = getString(a, "agent_id")
		}
		if subject != "" {
			fmt.Fprintf(&sb, "   Subject: %s\n", subject)
		}
		if by := getString(a, "acknowledged_by"); by != "" {
			fmt.Fprintf(&sb, "   Acknowledged by %s\n", by)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
