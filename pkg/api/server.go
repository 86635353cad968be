// Package api exposes the HTTP surface: operation management, health,
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdantlab/trellis/pkg/monitor"
	"github.com/verdantlab/trellis/pkg/orchestrator"
)

// Server is the HTTP API server.
type Server struct {
	addr         string
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	monitor      *monitor.Monitor
	registry     *prometheus.Registry

	httpServer *http.Server
}

// NewServer creates a server. registry may be nil (metrics endpoint
// disabled); mon may be nil (health reports healthy).
func NewServer(addr string, o *orchestrator.Orchestrator, mon *monitor.Monitor, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		logger:       logger.With("component", "api"),
		orchestrator: o,
		monitor:      mon,
		registry:     registry,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readyHandler)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/operations", s.startOperationHandler)
		v1.GET("/operations", s.listOperationsHandler)
		v1.GET("/operations/:id", s.operationStatusHandler)
		v1.POST("/operations/:id/step", s.stepOperationHandler)
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("api server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request at debug with method, path, status,
// and latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}
