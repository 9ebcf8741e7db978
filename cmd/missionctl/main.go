// Package main is the mission control server: it runs the event store,
// event bus, mission registry, agent loop runtime, scheduler, stall
// detector and subscription server behind a single HTTP gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/tracing"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/mission"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting mission control server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to create event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	svc, err := mission.NewService(cfg, pool, provided.Bus, newProvider(cfg, log), log)
	if err != nil {
		log.Fatal("Failed to create mission service", zap.Error(err))
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start mission service", zap.Error(err))
	}

	gw := gateway.New(cfg, svc, log)

	mcpCleanup, err := provideMCPServer(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.Serve)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down mission control server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Error("Gateway shutdown error", zap.Error(err))
		}
		if mcpCleanup != nil {
			if err := mcpCleanup(); err != nil {
				log.Error("MCP server shutdown error", zap.Error(err))
			}
		}
		svc.Shutdown(shutdownCtx)

		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("Mission control server stopped")
}

// openPool opens the configured database: a sqlite file with a dedicated
// writer connection, or a shared postgres pool.
func openPool(cfg *config.Config, log *logger.Logger) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case "pgx":
		log.Info("Using postgres database",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
		return db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		log.Info("Using sqlite database", zap.String("path", cfg.Database.Path))
		return db.OpenSQLitePool(cfg.Database.Path)
	}
}
