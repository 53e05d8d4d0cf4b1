// Package api exposes the scheduler's maintenance control surface
// (§6) over HTTP using gin. It is deliberately thin: every handler
// just validates its path parameter and delegates to pkg/maintenance.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/convoke-run/convoke/pkg/config"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/convoke-run/convoke/pkg/events"
	"github.com/convoke-run/convoke/pkg/maintenance"
	"github.com/convoke-run/convoke/pkg/version"
)

// Server is the HTTP maintenance API server.
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	cfg         *config.Config
	dbClient    *database.Client
	svc         *maintenance.Service
	connManager *events.ConnectionManager
}

// NewServer creates a new API server wired to a maintenance.Service.
// connManager may be nil, in which case /ws is not registered -- the
// maintenance routes have no dependency on real-time event delivery.
func NewServer(cfg *config.Config, dbClient *database.Client, svc *maintenance.Service, connManager *events.ConnectionManager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, cfg: cfg, dbClient: dbClient, svc: svc, connManager: connManager}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	s.engine.POST("/reap", s.reapHandler)
	s.engine.POST("/runs/:id/retry", s.retryRunHandler)
	s.engine.POST("/runs/:id/cancel", s.cancelRunHandler)
	s.engine.GET("/conversations/:id/health", s.conversationHealthHandler)

	if s.connManager != nil {
		s.engine.GET("/ws", s.wsHandler)
	}
}

// wsHandler upgrades to a WebSocket and hands the connection to
// pkg/events' ConnectionManager, which owns subscription/catchup/fan-
// out from there. §1's Non-goals exclude specifying WebSocket wire
// framing, but the transport itself still needs a mount point.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.connManager.HandleConnection(c.Request.Context(), conn)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:   "unhealthy",
			Version:  version.Full(),
			Database: dbHealth,
		})
		return
	}

	stats := s.cfg.Stats()
	c.JSON(http.StatusOK, &HealthResponse{
		Status:   "healthy",
		Version:  version.Full(),
		Database: dbHealth,
		Configuration: ConfigurationStats{
			StuckThresholdSecs: stats.StuckThresholdSecs,
			AutoModeMaxRounds:  stats.AutoModeMaxRounds,
			CopilotMaxSteps:    stats.CopilotMaxSteps,
			HasGlobalTokenCap:  stats.HasGlobalTokenCap,
		},
	})
}
