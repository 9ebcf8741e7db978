package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
)

// MCPHandler serves tool calls by forwarding them to an MCP server over
// Streamable HTTP. The tool names it claims are discovered at connect
// time via tools/list.
type MCPHandler struct {
	url    string
	client *mcpclient.Client
	logger *logger.Logger

	mu    sync.RWMutex
	names map[string]struct{}
}

// NewMCPHandler connects to the MCP server at url, initializes the
// session and lists the available tools.
func NewMCPHandler(ctx context.Context, url string, log *logger.Logger) (*MCPHandler, error) {
	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", url, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client for %s: %w", url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "missionctl", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize MCP session with %s: %w", url, err)
	}

	h := &MCPHandler{
		url:    url,
		client: c,
		logger: log.WithFields(zap.String("component", "mcp-tools"), zap.String("server", url)),
		names:  make(map[string]struct{}),
	}
	if err := h.refreshTools(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return h, nil
}

func (h *MCPHandler) refreshTools(ctx context.Context) error {
	resp, err := h.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list tools on %s: %w", h.url, err)
	}
	names := make(map[string]struct{}, len(resp.Tools))
	for _, tool := range resp.Tools {
		names[tool.Name] = struct{}{}
	}
	h.mu.Lock()
	h.names = names
	h.mu.Unlock()
	h.logger.Info("Discovered MCP tools", zap.Int("count", len(names)))
	return nil
}

// Handles reports whether the connected server exposes the named tool.
func (h *MCPHandler) Handles(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.names[name]
	return ok
}

// Call invokes the tool and flattens the text content of the result.
func (h *MCPHandler) Call(ctx context.Context, name string, args map[string]interface{}) (string, bool, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := h.client.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("tool %s failed on %s: %w", name, h.url, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// Close tears down the MCP session.
func (h *MCPHandler) Close() error {
	return h.client.Close()
}
