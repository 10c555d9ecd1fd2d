// Usagewatch MCP Server - Exposes usage analytics and alerts as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nexuscrm/usagewatch/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("USAGEWATCH_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("USAGEWATCH_API_KEY"),
		Actor:  envOrDefault("USAGEWATCH_ACTOR", "mcp"),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
