package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/blueprint/internal/engine"
	"github.com/loomworks/blueprint/internal/registry"
	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/internal/streaming"
	"github.com/loomworks/blueprint/pkg/schema"
)

// RunController is the engine surface the MCP tools drive.
// Satisfied by *engine.Controller.
type RunController interface {
	Execute(ctx context.Context, blueprintID string, triggerData map[string]any) (*engine.RunSummary, error)
	Resume(ctx context.Context, runID string) (*engine.RunSummary, error)
	Approve(ctx context.Context, approvalID string, decision schema.ApprovalDecision) (string, error)
	Status(ctx context.Context, runID string) (*engine.RunStatus, error)
}

// BlueprintServerDeps holds the dependencies for creating a BlueprintServer.
type BlueprintServerDeps struct {
	Controller RunController
	Registry   *registry.Registry
	Store      store.Store
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// BlueprintServer wraps an MCP server with blueprint-specific tool handlers.
type BlueprintServer struct {
	controller RunController
	registry   *registry.Registry
	store      store.Store
	hub        streaming.EventHub
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewBlueprintServer creates a new BlueprintServer with all 6 tools registered.
func NewBlueprintServer(deps BlueprintServerDeps) *BlueprintServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BlueprintServer{
		controller: deps.Controller,
		registry:   deps.Registry,
		store:      deps.Store,
		hub:        deps.Hub,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"blueprintd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Blueprintd executes declarative blueprint workflows. Use blueprint.run to start a run, blueprint.list and blueprint.get to inspect registered blueprints, blueprint.status to follow a run, blueprint.approvals to see pending human decisions, and blueprint.approve to resolve one (the run resumes automatically)."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. When a hub is configured, run events are forwarded to
// the client as notifications for the duration of the session.
func (s *BlueprintServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewRunEventNotifier(s.mcpServer, s.hub, s.logger)
		stop, err := notifier.Start(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BlueprintServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *BlueprintServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approvalsTool(), Handler: s.handleApprovals},
		{Tool: approveTool(), Handler: s.handleApprove},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("blueprint.run",
		mcp.WithDescription("Start a run of a registered blueprint"),
		mcp.WithString("blueprint_id", mcp.Required(), mcp.Description("ID of the blueprint to run")),
		mcp.WithObject("trigger_data", mcp.Description("Trigger payload available to templates as trigger_data.*")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("blueprint.list",
		mcp.WithDescription("List registered blueprints"),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("blueprint.get",
		mcp.WithDescription("Get a blueprint definition"),
		mcp.WithString("blueprint_id", mcp.Required(), mcp.Description("ID of the blueprint")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("blueprint.status",
		mcp.WithDescription("Get the current state of a run: status, step records, pending approvals, trace events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func approvalsTool() mcp.Tool {
	return mcp.NewTool("blueprint.approvals",
		mcp.WithDescription("List pending human approvals"),
		mcp.WithString("run_id", mcp.Description("Limit to one run")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("blueprint.approve",
		mcp.WithDescription("Resolve a pending approval; the suspended run resumes automatically"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the pending approval")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("The decision")),
		mcp.WithArray("approved_items", mcp.Description("Subset of requested items that were approved")),
		mcp.WithString("approved_by", mcp.Description("Who decided")),
		mcp.WithString("comment", mcp.Description("Optional decision comment")),
	)
}
