// Package gateway hosts the HTTP surface of agentd: the REST agent API, the
// health and metrics endpoints, and the websocket upgrade route.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/httpmw"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/gateway/websocket"
	"github.com/agentd/agentd/internal/metrics"
)

const serverName = "agentd"

// Server owns the gin engine and the HTTP listener lifecycle.
type Server struct {
	cfg    config.ServerConfig
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// NewServer builds the router with all routes and middleware attached.
func NewServer(cfg config.ServerConfig, handlers *AgentHandlers, wsHandler *websocket.Handler, m *metrics.Metrics, log *logger.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, serverName))
	engine.Use(httpmw.OtelTracing(serverName))
	engine.Use(httpmw.RequestMetrics(m))
	engine.Use(corsMiddleware())

	handlers.RegisterRoutes(engine)
	if wsHandler != nil {
		engine.GET("/ws", wsHandler.HandleConnection)
	}
	if m != nil {
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}

	return &Server{
		cfg:    cfg,
		engine: engine,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		logger: log.WithComponent("gateway"),
	}
}

// Engine exposes the router, primarily for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeoutDuration())
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", zap.Error(err))
		return err
	}
	return <-errCh
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
