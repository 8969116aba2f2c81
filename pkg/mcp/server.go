// Package mcp exposes the workflow engine over the Model Context Protocol.
// Each engine operation maps 1:1 to an MCP tool; handlers return JSON text
// results and surface engine errors as tool errors.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/steadyline/proactor/internal/engine"
)

// ProactorServerDeps holds the dependencies for creating a ProactorServer.
type ProactorServerDeps struct {
	Engine engine.Orchestrator
	Logger *slog.Logger
}

// ProactorServer wraps an MCP server with the workflow tool handlers.
type ProactorServer struct {
	engine    engine.Orchestrator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewProactorServer creates a ProactorServer with all 6 tools registered.
func NewProactorServer(deps ProactorServerDeps) *ProactorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ProactorServer{
		engine: deps.Engine,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"proactor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Proactor runs durable multi-step workflows on a user's behalf. "+
			"Use workflow_start to launch one (types: schedule_appointment negotiates and books a "+
			"meeting over email, follow_up_email drafts and sends a context-aware follow-up; any "+
			"other type runs an open-ended assistant task). Workflows suspend while waiting for "+
			"email replies: deliver those with workflow_continue. Use workflow_status and "+
			"workflow_list to inspect progress, workflow_cancel to stop an active workflow, and "+
			"workflow_metrics for aggregate counts."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *ProactorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ProactorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ProactorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: continueTool(), Handler: s.handleContinue},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: metricsTool(), Handler: s.handleMetrics},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow_start",
		mcp.WithDescription("Start a new workflow of the given type"),
		mcp.WithString("workflow_type", mcp.Required(),
			mcp.Description("Template type: schedule_appointment, follow_up_email, or any other string for an open-ended task")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow; all later operations are scoped to it")),
		mcp.WithObject("input", mcp.Description("Type-specific input payload, validated against the template's schema")),
		mcp.WithString("name", mcp.Description("Display name (default derived from the input)")),
	)
}

func continueTool() mcp.Tool {
	return mcp.NewTool("workflow_continue",
		mcp.WithDescription("Deliver an external response (e.g. an email reply) to a waiting workflow and run it forward"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the waiting workflow")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithObject("response", mcp.Required(), mcp.Description("Response payload, merged into the workflow context")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow_status",
		mcp.WithDescription("Get a workflow's status with ordered step summaries"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow_list",
		mcp.WithDescription("List a user's workflows, newest first"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner whose workflows to list")),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "waiting", "completed", "failed", "cancelled"),
			mcp.Description("Optional status filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20, capped at 100)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow_cancel",
		mcp.WithDescription("Cancel an active workflow; remaining steps are skipped"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("workflow_metrics",
		mcp.WithDescription("Aggregate workflow counts: total, by status, active, created/completed in the last 24h"),
	)
}
