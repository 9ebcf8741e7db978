package main

import (
	"context"
	"fmt"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mcpserver"
)

// provideMCPServer starts the embedded MCP server if enabled.
// Returns a cleanup function, or nil when disabled.
func provideMCPServer(ctx context.Context, cfg *config.Config, log *logger.Logger) (func() error, error) {
	if !cfg.MCP.Enabled {
		return nil, nil
	}

	mcpCfg := mcpserver.Config{
		Port:       cfg.MCP.Port,
		CoreAPIURL: fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
	}

	_, cleanup, err := mcpserver.Provide(ctx, mcpCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}
	return cleanup, nil
}
