package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("assured", "1.0.0")
	h := NewHandlers(NewAssuredClient(cfg), cfg.Policy)

	s.AddTool(ToolGetPaymentRequirement, h.HandleGetPaymentRequirement)
	s.AddTool(ToolCheckPolicy, h.HandleCheckPolicy)
	s.AddTool(ToolGetServiceStats, h.HandleGetServiceStats)
	s.AddTool(ToolGetCallTranscript, h.HandleGetCallTranscript)
	s.AddTool(ToolVerifyTrace, h.HandleVerifyTrace)

	return s
}
