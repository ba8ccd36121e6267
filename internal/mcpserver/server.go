package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all upiramp tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("upiramp", version)
	h := NewHandlers(NewClient(cfg), cfg.Address)

	s.AddTool(ToolListAvailableRequests, h.HandleListAvailableRequests)
	s.AddTool(ToolGetRequest, h.HandleGetRequest)
	s.AddTool(ToolCommitRequest, h.HandleCommitRequest)
	s.AddTool(ToolFulfillRequest, h.HandleFulfillRequest)
	s.AddTool(ToolCreateRequest, h.HandleCreateRequest)
	s.AddTool(ToolCancelRequest, h.HandleCancelRequest)
	s.AddTool(ToolCheckBalances, h.HandleCheckBalances)

	return s
}
