package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all Soko Pay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sokopay", Version)
	h := NewHandlers(NewSokoPayClient(cfg))

	s.AddTool(ToolCreatePaymentLink, h.HandleCreatePaymentLink)
	s.AddTool(ToolTrackOrder, h.HandleTrackOrder)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolOrderRisk, h.HandleOrderRisk)

	return s
}
