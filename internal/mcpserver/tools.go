package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the usage watch MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetUsageMetrics = mcp.NewTool("get_usage_metrics",
	mcp.WithDescription(
		"Get aggregated agent usage for a time window: interactions, tokens, unique users and sessions, "+
			"average response time, per-agent and per-tier breakdowns, and peak usage hours (UTC). "+
			"Defaults to the last 30 days."),
	mcp.WithString("start",
		mcp.Description("Window start as an RFC 3339 timestamp (e.g. '2026-03-01T00:00:00Z')")),
	mcp.WithString("end",
		mcp.Description("Window end as an RFC 3339 timestamp. Defaults to now.")),
	mcp.WithString("user_id",
		mcp.Description("Restrict the metrics to one user")),
	mcp.WithString("tier",
		mcp.Description("Restrict the metrics to one subscription tier"),
		mcp.Enum("essential", "pro", "elite", "prime", "longevity")),
)

var ToolDetectAnomalies = mcp.NewTool("detect_anomalies",
	mcp.WithDescription(
		"Find days where an agent's interactions or tokens deviate sharply from its recent average "+
			"(z-score above 2). Each anomaly reports the agent, day, observed and expected values, and severity."),
	mcp.WithNumber("days",
		mcp.Description("Lookback window in days (default 7)")),
)

var ToolGetUserInsight = mcp.NewTool("get_user_insight",
	mcp.WithDescription(
		"Score one user's engagement: usage score, churn risk level and probability, whether they are "+
			"an upgrade opportunity, and suggested actions."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's identifier")),
)

var ToolGetAgentPerformance = mcp.NewTool("get_agent_performance",
	mcp.WithDescription(
		"Summarize one agent's load and latency: interactions, tokens, users, average response time, "+
			"estimated success rate and satisfaction, and tokens per interaction."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("Agent identifier (e.g. 'NEXUS', 'SAGE')")),
	mcp.WithNumber("days",
		mcp.Description("Lookback window in days (default 7)")),
)

var ToolGetExecutiveSummary = mcp.NewTool("get_executive_summary",
	mcp.WithDescription(
		"Get the executive dashboard summary: key metrics for the period, change versus the previous period, "+
			"top agents, anomaly count, and plain-language insights."),
	mcp.WithNumber("days",
		mcp.Description("Period length in days (default 7)")),
)

var ToolListActiveAlerts = mcp.NewTool("list_active_alerts",
	mcp.WithDescription(
		"List unresolved alerts, newest first, with severity, type, subject and whether they have been acknowledged."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 50)")),
)

var ToolAcknowledgeAlert = mcp.NewTool("acknowledge_alert",
	mcp.WithDescription(
		"Acknowledge an active alert so others know it is being handled. The alert stays active."),
	mcp.WithString("alert_id",
		mcp.Required(),
		mcp.Description("The alert ID from list_active_alerts")),
)

var ToolResolveAlert = mcp.NewTool("resolve_alert",
	mcp.WithDescription(
		"Resolve an active alert. Resolution is final; a resolved alert cannot be acknowledged or resolved again."),
	mcp.WithString("alert_id",
		mcp.Required(),
		mcp.Description("The alert ID from list_active_alerts")),
)
