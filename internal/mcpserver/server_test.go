package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/portutil"
)

func TestProvideStartsAndStops(t *testing.T) {
	port, err := portutil.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, cleanup, err := Provide(ctx, Config{Port: port, CoreAPIURL: "http://localhost:0"}, log)
	if err != nil {
		t.Fatalf("Provide: %v", err)
	}

	if !strings.Contains(srv.SSEEndpoint(), fmt.Sprintf(":%d/sse", port)) {
		t.Errorf("unexpected SSE endpoint: %s", srv.SSEEndpoint())
	}
	if !strings.Contains(srv.StreamableHTTPEndpoint(), fmt.Sprintf(":%d/mcp", port)) {
		t.Errorf("unexpected streamable HTTP endpoint: %s", srv.StreamableHTTPEndpoint())
	}

	// The listener must be up before Provide returns.
	resp, err := http.Get(srv.StreamableHTTPEndpoint())
	if err != nil {
		t.Fatalf("GET /mcp: %v", err)
	}
	_ = resp.Body.Close()

	if err := cleanup(); err != nil {
		t.Errorf("cleanup: %v", err)
	}
	// Cleanup is idempotent.
	if err := cleanup(); err != nil {
		t.Errorf("second cleanup: %v", err)
	}

	if _, err := http.Get(srv.StreamableHTTPEndpoint()); err == nil {
		t.Error("server still reachable after cleanup")
	}
}

func TestStartTwiceFails(t *testing.T) {
	port, err := portutil.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}

	srv := New(Config{Port: port, CoreAPIURL: "http://localhost:0"})
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start should fail while running")
	}
}
