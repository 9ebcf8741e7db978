// Package gateway is the HTTP/WebSocket surface of the mission control
// core. It binds the boundary operations of the mission service to REST
// routes and serves event subscription streams over WebSocket.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/httpmw"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission"
)

// Gateway serves the HTTP API
type Gateway struct {
	cfg    *config.Config
	engine *gin.Engine
	server *http.Server
	logger *logger.Logger
}

// New builds the gateway and registers all routes
func New(cfg *config.Config, svc *mission.Service, log *logger.Logger) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "gateway"))
	engine.Use(httpmw.OtelTracing("missionctl"))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "missionctl"})
	})

	registerMissionRoutes(engine, svc, log)
	registerStreamRoutes(engine, svc, log)

	return &Gateway{
		cfg:    cfg,
		engine: engine,
		logger: log.WithFields(zap.String("component", "gateway")),
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}
}

// Serve blocks until the server stops. A graceful Shutdown returns nil.
func (g *Gateway) Serve() error {
	g.logger.Info("Gateway listening", zap.String("addr", g.server.Addr))
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// Handler exposes the router for tests
func (g *Gateway) Handler() http.Handler {
	return g.engine
}
