package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/pkg/schema"
)

// handleRun starts a run of a registered blueprint and returns its summary.
// A suspended summary means a human approval is pending; the run resumes
// through blueprint.approve.
func (s *BlueprintServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	blueprintID, err := req.RequireString("blueprint_id")
	if err != nil {
		return mcp.NewToolResultError("blueprint_id is required"), nil
	}
	triggerData := mcp.ParseStringMap(req, "trigger_data", nil)

	summary, runErr := s.controller.Execute(ctx, blueprintID, triggerData)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}
	return marshalResult(summary)
}

// handleList returns the registry's blueprint summaries.
func (s *BlueprintServer) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"blueprints": s.registry.List()})
}

// handleGet returns one blueprint definition.
func (s *BlueprintServer) handleGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	blueprintID, err := req.RequireString("blueprint_id")
	if err != nil {
		return mcp.NewToolResultError("blueprint_id is required"), nil
	}
	bp, getErr := s.registry.Get(blueprintID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("blueprint lookup failed: %v", getErr)), nil
	}
	return marshalResult(bp)
}

// handleStatus returns the current state of a run.
func (s *BlueprintServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, statusErr := s.controller.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleApprovals lists pending approvals, optionally scoped to a run.
func (s *BlueprintServer) handleApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ApprovalFilter{
		RunID:  req.GetString("run_id", ""),
		Status: store.ApprovalStatusPending,
	}

	approvals, err := s.store.ListApprovals(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

// handleApprove resolves a pending approval and resumes the suspended
// run, so a single call carries the run to its next suspension or
// terminal state.
func (s *BlueprintServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	args := req.GetArguments()
	approvedRaw, ok := args["approved"]
	if !ok {
		return mcp.NewToolResultError("approved is required"), nil
	}
	approved, ok := approvedRaw.(bool)
	if !ok {
		return mcp.NewToolResultError("approved must be a boolean"), nil
	}

	decision := schema.ApprovalDecision{
		Approved:      approved,
		ApprovedItems: args["approved_items"],
		ApprovedBy:    req.GetString("approved_by", ""),
		Comment:       req.GetString("comment", ""),
	}

	runID, approveErr := s.controller.Approve(ctx, approvalID, decision)
	if approveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approve failed: %v", approveErr)), nil
	}

	summary, resumeErr := s.controller.Resume(ctx, runID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval recorded but resume failed: %v", resumeErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":       true,
		"run_id":   runID,
		"approved": approved,
		"resumed":  true,
		"status":   summary.Status,
	})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
