package cmd

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

// version is reported by the MCP server and the health endpoint.
var version = "dev"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP server on stdio exposing memory tools",
	Long: `Run a Model Context Protocol server on stdin/stdout. Agents can call
memory_add, memory_search, memory_get, memory_update, memory_remove,
memory_forget, memory_consolidate, memory_stats, memory_summary,
memory_clear, session_record, session_context and session_clear.

Example client config:
  {"command": "agentmem", "args": ["mcp", "--backend", "sqlite"]}`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// MCPServer holds the engine behind the MCP tool handlers.
type MCPServer struct {
	manager  *memory.Manager
	recorder *memory.Recorder
	working  *memory.WorkingTier
	server   *server.MCPServer
}

func newMCPServer(e *engine) *MCPServer {
	m := &MCPServer{
		manager:  e.manager,
		recorder: e.recorder,
		server: server.NewMCPServer("agentmem", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	m.working, _ = e.working()
	m.registerTools()
	return m
}

func (m *MCPServer) registerTools() {
	kinds := []string{"working", "episodic", "semantic", "perceptual"}

	m.server.AddTool(mcp.NewTool("memory_add",
		mcp.WithDescription("Store a memory. The tier is classified from the content when auto_classify is set."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Memory content")),
		mcp.WithString("memory_type", mcp.Enum(kinds...), mcp.Description("Target tier (default: working)")),
		mcp.WithNumber("importance", mcp.Min(0), mcp.Max(1), mcp.Description("Importance in [0,1]; estimated when omitted")),
		mcp.WithObject("metadata", mcp.Description("Arbitrary metadata")),
		mcp.WithBoolean("auto_classify", mcp.Description("Choose the tier from the content")),
		mcp.WithString("file_path", mcp.Description("Source file for perceptual memories")),
		mcp.WithString("modality", mcp.Description("Perceptual modality (image, audio, text)")),
	), m.handleAddMemory)

	m.server.AddTool(mcp.NewTool("memory_search",
		mcp.WithDescription("Search memories across tiers, most important first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query text")),
		mcp.WithArray("memory_types", mcp.WithStringEnumItems(kinds), mcp.Description("Tiers to search (default: all enabled)")),
		mcp.WithNumber("limit", mcp.Min(1), mcp.Description("Maximum results (default 10)")),
		mcp.WithNumber("min_importance", mcp.Min(0), mcp.Max(1), mcp.Description("Minimum importance")),
	), m.handleSearchMemory)

	m.server.AddTool(mcp.NewTool("memory_get",
		mcp.WithDescription("Fetch a memory by id."),
		mcp.WithString("memory_id", mcp.Required()),
	), m.handleGetMemory)

	m.server.AddTool(mcp.NewTool("memory_update",
		mcp.WithDescription("Update a memory's content, importance or metadata."),
		mcp.WithString("memory_id", mcp.Required()),
		mcp.WithString("content"),
		mcp.WithNumber("importance", mcp.Min(0), mcp.Max(1)),
		mcp.WithObject("metadata"),
	), m.handleUpdateMemory)

	m.server.AddTool(mcp.NewTool("memory_remove",
		mcp.WithDescription("Remove a memory by id."),
		mcp.WithString("memory_id", mcp.Required()),
	), m.handleRemoveMemory)

	m.server.AddTool(mcp.NewTool("memory_forget",
		mcp.WithDescription("Bulk-remove memories by importance, age or capacity."),
		mcp.WithString("strategy", mcp.Enum(string(memory.ForgetImportanceBased), string(memory.ForgetTimeBased), string(memory.ForgetCapacityBased))),
		mcp.WithNumber("threshold", mcp.Min(0), mcp.Max(1)),
		mcp.WithNumber("max_age_days", mcp.Min(0)),
	), m.handleForgetMemory)

	m.server.AddTool(mcp.NewTool("memory_consolidate",
		mcp.WithDescription("Promote important memories from one tier to another."),
		mcp.WithString("from_type", mcp.Enum(kinds...), mcp.DefaultString("working")),
		mcp.WithString("to_type", mcp.Enum(kinds...), mcp.DefaultString("episodic")),
		mcp.WithNumber("importance_threshold", mcp.Min(0), mcp.Max(1), mcp.DefaultNumber(defaultConsolidateThreshold)),
	), m.handleConsolidateMemory)

	m.server.AddTool(mcp.NewTool("memory_stats",
		mcp.WithDescription("Per-tier memory statistics."),
	), m.handleMemoryStats)

	m.server.AddTool(mcp.NewTool("memory_summary",
		mcp.WithDescription("Totals per tier and the most important memories."),
		mcp.WithNumber("limit", mcp.Min(1), mcp.DefaultNumber(defaultSummaryLimit)),
	), m.handleMemorySummary)

	m.server.AddTool(mcp.NewTool("memory_clear",
		mcp.WithDescription("Remove every memory from every tier."),
		mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true")),
	), m.handleClearMemory)

	m.server.AddTool(mcp.NewTool("session_record",
		mcp.WithDescription("Record a user/assistant exchange in the current session."),
		mcp.WithString("user", mcp.Required()),
		mcp.WithString("assistant", mcp.Required()),
	), m.handleRecordSession)

	m.server.AddTool(mcp.NewTool("session_context",
		mcp.WithDescription("Render the working memory context window."),
		mcp.WithNumber("max_length", mcp.Min(1), mcp.DefaultNumber(defaultContextSummaryMaxChars)),
	), m.handleSessionContext)

	m.server.AddTool(mcp.NewTool("session_clear",
		mcp.WithDescription("End the session and empty working memory."),
	), m.handleClearSession)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := buildEngine(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	if err := server.ServeStdio(newMCPServer(e).server); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
