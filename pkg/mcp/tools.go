package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/steadyline/proactor/pkg/schema"
)

// handleStart launches a new workflow from a template type.
func (s *ProactorServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowType, err := req.RequireString("workflow_type")
	if err != nil {
		return mcp.NewToolResultError("workflow_type is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	name := req.GetString("name", "")

	result, startErr := s.engine.Start(ctx, workflowType, userID, input, name)
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}

	return marshalResult(result)
}

// handleContinue delivers an external response to a waiting workflow.
func (s *ProactorServer) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	response := mcp.ParseStringMap(req, "response", nil)
	if len(response) == 0 {
		return mcp.NewToolResultError("response is required"), nil
	}

	result, contErr := s.engine.ContinueFromResponse(ctx, workflowID, userID, response)
	if contErr != nil {
		return toolError("continue failed", contErr), nil
	}

	return marshalResult(result)
}

// handleStatus returns the current state of a workflow with its steps.
func (s *ProactorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	view, statusErr := s.engine.GetStatus(ctx, workflowID, userID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}

	return marshalResult(view)
}

// handleList returns a user's workflows, newest first.
func (s *ProactorServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	var status *schema.WorkflowStatus
	if raw := req.GetString("status", ""); raw != "" {
		st := schema.WorkflowStatus(raw)
		status = &st
	}
	limit := req.GetInt("limit", 0)

	views, listErr := s.engine.List(ctx, userID, status, limit)
	if listErr != nil {
		return toolError("list failed", listErr), nil
	}

	return marshalResult(map[string]any{
		"workflows": views,
		"count":     len(views),
	})
}

// handleCancel cancels an active workflow and skips its remaining steps.
func (s *ProactorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	result, cancelErr := s.engine.Cancel(ctx, workflowID, userID)
	if cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}

	return marshalResult(result)
}

// handleMetrics returns aggregate workflow counts.
func (s *ProactorServer) handleMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics, err := s.engine.Metrics(ctx)
	if err != nil {
		return toolError("metrics query failed", err), nil
	}

	return marshalResult(metrics)
}

// toolError renders an engine error as a tool error. schema.Error strings
// already carry their code prefix, so callers can pattern-match on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
