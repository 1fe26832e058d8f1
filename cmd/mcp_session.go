package cmd

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (m *MCPServer) handleRecordSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := request.GetString("user", "")
	assistant := request.GetString("assistant", "")
	if user == "" || assistant == "" {
		return mcp.NewToolResultError("user and assistant are required"), nil
	}

	ids, err := m.recorder.Record(ctx, user, assistant)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record error: %v", err)), nil
	}
	return toolJSON(map[string]interface{}{
		"session_id": m.recorder.SessionID(),
		"turn":       m.recorder.Turns(),
		"ids":        ids,
	}), nil
}

func (m *MCPServer) handleSessionContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.working == nil {
		return mcp.NewToolResultError("working memory is not enabled"), nil
	}
	maxLen := int(request.GetFloat("max_length", defaultContextSummaryMaxChars))
	return mcp.NewToolResultText(m.working.ContextSummary(maxLen)), nil
}

func (m *MCPServer) handleClearSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.recorder.ClearSession(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear session error: %v", err)), nil
	}
	return toolJSON(map[string]bool{"cleared": true}), nil
}
