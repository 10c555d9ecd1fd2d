package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with every usage watch tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("usagewatch", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetUsageMetrics, h.HandleGetUsageMetrics)
	s.AddTool(ToolDetectAnomalies, h.HandleDetectAnomalies)
	s.AddTool(ToolGetUserInsight, h.HandleGetUserInsight)
	s.AddTool(ToolGetAgentPerformance, h.HandleGetAgentPerformance)
	s.AddTool(ToolGetExecutiveSummary, h.HandleGetExecutiveSummary)
	s.AddTool(ToolListActiveAlerts, h.HandleListActiveAlerts)
	s.AddTool(ToolAcknowledgeAlert, h.HandleAcknowledgeAlert)
	s.AddTool(ToolResolveAlert, h.HandleResolveAlert)

	return s
}
