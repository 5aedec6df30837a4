// Package server exposes the engine over HTTP and WebSocket. Request
// validation lives here; the engine still enforces its own structural
// invariants underneath.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/internal/config"
	"github.com/solrouter/solrouter/internal/engine"
)

// Server is the HTTP/WebSocket front of the engine.
type Server struct {
	cfg    config.ServerConfig
	engine *engine.Engine
	logger *zap.Logger
	http   *http.Server
}

// New builds the server around the engine.
func New(cfg config.ServerConfig, eng *engine.Engine, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: eng,
		logger: logger.Named("server"),
	}
}

// Router builds the gin router with logging, recovery, and CORS middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else if len(s.cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/queue/stats", s.queueStats)
	}

	router.GET("/ws/orders/:id", s.orderStream)
	router.GET("/ws/system", s.systemStream)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr()))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
