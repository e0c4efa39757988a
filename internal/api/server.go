// Package api is the HTTP surface: the agent action endpoint, the
// websocket stream, the MCP mount, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/agent"
	"tradebridge/internal/config"
	"tradebridge/internal/mcp"
	"tradebridge/internal/stream"
)

// brokerStatus reports whether the upstream broker session is usable
type brokerStatus interface {
	Ready() bool
}

// Deps carries everything the HTTP layer serves
type Deps struct {
	Config     config.APIConfig
	Dispatcher *agent.Dispatcher
	Hub        *stream.Hub
	MCP        *mcp.Server
	Broker     brokerStatus
	Metrics    bool
	Version    string
	StartedAt  time.Time
}

// Server is the REST API server
type Server struct {
	router *gin.Engine
	server *http.Server
	deps   Deps
	addr   string
	logger zerolog.Logger
}

// NewServer builds the router with middleware and all routes mounted
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", mcp.SessionHeader},
		ExposeHeaders:    []string{"Content-Length", mcp.SessionHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		addr:   fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		logger: log.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health and metrics stay unauthenticated for probes and scrapers.
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/ready", s.handleReady)
	if s.deps.Metrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authed := s.router.Group("/", AuthMiddleware(s.deps.Config.APIKey))
	authed.POST("/api/agent", s.handleAgent)
	authed.GET("/openapi.json", s.handleOpenAPI)
	if s.deps.Hub != nil {
		authed.GET("/ws", gin.WrapF(s.deps.Hub.ServeWS))
	}
	if s.deps.MCP != nil {
		s.deps.MCP.Register(authed)
	}
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs one structured line per request
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
