package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

func toolJSON(v interface{}) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func optionalFloat(args map[string]any, key string) *float64 {
	if v, ok := args[key].(float64); ok {
		return &v
	}
	return nil
}

func objectArg(args map[string]any, key string) map[string]interface{} {
	if v, ok := args[key].(map[string]interface{}); ok && len(v) > 0 {
		return v
	}
	return nil
}

func (m *MCPServer) handleAddMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	content := request.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	req := memory.AddRequest{
		Content:      content,
		Kind:         memory.TierKind(request.GetString("memory_type", string(memory.TierWorking))),
		Importance:   optionalFloat(args, "importance"),
		Metadata:     objectArg(args, "metadata"),
		AutoClassify: request.GetBool("auto_classify", false),
	}

	id, err := m.recorder.AddWithSession(ctx, req, request.GetString("file_path", ""), request.GetString("modality", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add error: %v", err)), nil
	}
	return toolJSON(map[string]string{"id": id}), nil
}

func (m *MCPServer) handleSearchMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	kinds, err := parseKinds(request.GetStringSlice("memory_types", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	items, err := m.manager.Retrieve(ctx, memory.RetrieveRequest{
		Query:         query,
		Kinds:         kinds,
		Limit:         int(request.GetFloat("limit", memory.DefaultLimit)),
		MinImportance: request.GetFloat("min_importance", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
	}
	return toolJSON(map[string]interface{}{"results": items, "count": len(items)}), nil
}

func (m *MCPServer) handleGetMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	item, err := m.manager.Get(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("memory %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get error: %v", err)), nil
	}
	return toolJSON(item), nil
}

func (m *MCPServer) handleUpdateMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, err := request.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	patch := memory.Patch{
		Importance: optionalFloat(args, "importance"),
		Metadata:   objectArg(args, "metadata"),
	}
	if content, ok := args["content"].(string); ok {
		patch.Content = &content
	}
	if patch.Content == nil && patch.Importance == nil && patch.Metadata == nil {
		return mcp.NewToolResultError("at least one of content, importance or metadata is required"), nil
	}

	ok, err := m.manager.Update(ctx, id, patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update error: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("memory %s not found", id)), nil
	}
	return toolJSON(map[string]interface{}{"id": id, "updated": true}), nil
}

func (m *MCPServer) handleRemoveMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ok, err := m.manager.Remove(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove error: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("memory %s not found", id)), nil
	}
	return toolJSON(map[string]interface{}{"id": id, "removed": true}), nil
}

func (m *MCPServer) handleForgetMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	api := &MemoryAPI{manager: m.manager}
	req, err := api.forgetRequest(request.GetString("strategy", ""), optionalFloat(args, "threshold"), optionalFloat(args, "max_age_days"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	n, err := m.manager.Forget(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("forget error: %v", err)), nil
	}
	return toolJSON(map[string]interface{}{"strategy": req.Strategy, "forgotten": n}), nil
}

func (m *MCPServer) handleConsolidateMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := memory.ParseTierKind(request.GetString("from_type", string(memory.TierWorking)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := memory.ParseTierKind(request.GetString("to_type", string(memory.TierEpisodic)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	threshold := request.GetFloat("importance_threshold", defaultConsolidateThreshold)

	n, err := m.manager.Consolidate(ctx, from, to, threshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("consolidate error: %v", err)), nil
	}
	return toolJSON(map[string]interface{}{"from": from, "to": to, "consolidated": n}), nil
}

func (m *MCPServer) handleMemoryStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := m.manager.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
	}
	return toolJSON(stats), nil
}

func (m *MCPServer) handleMemorySummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(request.GetFloat("limit", defaultSummaryLimit))
	summary, err := m.manager.Summary(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("summary error: %v", err)), nil
	}
	return toolJSON(summary), nil
}

func (m *MCPServer) handleClearMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !request.GetBool("confirm", false) {
		return mcp.NewToolResultError("confirm must be true to clear all memories"), nil
	}
	if err := m.manager.ClearAll(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear error: %v", err)), nil
	}
	return toolJSON(map[string]bool{"cleared": true}), nil
}
