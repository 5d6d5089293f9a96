// Soko Pay MCP Server - Exposes payment links, tracking and dispute review as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/sokopay/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("SOKOPAY_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("SOKOPAY_ADMIN_SECRET"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "SOKOPAY_ADMIN_SECRET not set, dispute and risk tools will only work against an unguarded API")
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
