package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_missions",
			mcp.WithDescription("List all missions with their status and last event sequence."),
		),
		listMissionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_mission",
			mcp.WithDescription("Get one mission by id."),
			mcp.WithString("mission_id",
				mcp.Required(),
				mcp.Description("The mission ID"),
			),
		),
		getMissionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("create_mission",
			mcp.WithDescription("Create a new mission. The prompt becomes the first user message."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The mission title"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The opening prompt for the agent"),
			),
			mcp.WithString("agent",
				mcp.Description("Agent identifier (optional)"),
			),
			mcp.WithString("profile",
				mcp.Description("Config profile name (optional)"),
			),
		),
		createMissionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("post_message",
			mcp.WithDescription("Queue a user message on a mission. The agent loop consumes it in order."),
			mcp.WithString("mission_id",
				mcp.Required(),
				mcp.Description("The mission ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message content"),
			),
		),
		postMessageHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("post_tool_result",
			mcp.WithDescription("Deliver a tool result to a mission suspended on a tool call."),
			mcp.WithString("mission_id",
				mcp.Required(),
				mcp.Description("The mission ID"),
			),
			mcp.WithString("tool_call_id",
				mcp.Required(),
				mcp.Description("The tool call ID being answered"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The tool result content"),
			),
			mcp.WithBoolean("is_error",
				mcp.Description("Whether the tool invocation failed"),
			),
		),
		postToolResultHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("read_events",
			mcp.WithDescription("Read a mission's stored event log, optionally from a sequence cursor."),
			mcp.WithString("mission_id",
				mcp.Required(),
				mcp.Description("The mission ID"),
			),
			mcp.WithNumber("since_sequence",
				mcp.Description("Return events with sequence greater than this (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events to return (optional)"),
			),
		),
		readEventsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("running_missions",
			mcp.WithDescription("Snapshot of running and queued missions from the scheduler."),
		),
		runningMissionsHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// getJSON fetches a core API endpoint and formats the body as a tool result
func getJSON(ctx context.Context, url string, log *logger.Logger) (*mcp.CallToolResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("core API request failed", zap.String("url", url), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

// postJSON sends a payload to a core API endpoint and formats the body
func postJSON(ctx context.Context, url string, payload interface{}, log *logger.Logger) (*mcp.CallToolResult, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("core API request failed", zap.String("url", url), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listMissionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return getJSON(ctx, fmt.Sprintf("%s/api/v1/missions", cfg.CoreAPIURL), log)
	}
}

func getMissionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return getJSON(ctx, fmt.Sprintf("%s/api/v1/missions/%s", cfg.CoreAPIURL, missionID), log)
	}
}

func createMissionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"title":  title,
			"prompt": prompt,
		}
		if agent := req.GetString("agent", ""); agent != "" {
			payload["agent"] = agent
		}
		if profile := req.GetString("profile", ""); profile != "" {
			payload["profile"] = profile
		}
		return postJSON(ctx, fmt.Sprintf("%s/api/v1/missions", cfg.CoreAPIURL), payload, log)
	}
}

func postMessageHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return postJSON(ctx,
			fmt.Sprintf("%s/api/v1/missions/%s/messages", cfg.CoreAPIURL, missionID),
			map[string]interface{}{"content": content}, log)
	}
}

func postToolResultHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		toolCallID, err := req.RequireString("tool_call_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return postJSON(ctx,
			fmt.Sprintf("%s/api/v1/missions/%s/tool-results", cfg.CoreAPIURL, missionID),
			map[string]interface{}{
				"tool_call_id": toolCallID,
				"content":      content,
				"is_error":     req.GetBool("is_error", false),
			}, log)
	}
}

func readEventsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		missionID, err := req.RequireString("mission_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		url := fmt.Sprintf("%s/api/v1/missions/%s/events?since_sequence=%d&limit=%d",
			cfg.CoreAPIURL, missionID,
			int64(req.GetFloat("since_sequence", 0)),
			int(req.GetFloat("limit", 0)))
		return getJSON(ctx, url, log)
	}
}

func runningMissionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return getJSON(ctx, fmt.Sprintf("%s/api/v1/missions/running", cfg.CoreAPIURL), log)
	}
}
