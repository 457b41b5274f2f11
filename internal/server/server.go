// Package server exposes the engine over HTTP for cibot serve.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
	"cibot.dev/cibot/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP ingress: event webhooks, the merge check, CI build
// status callbacks and manual retriggers
type Server struct {
	router   *engine.Router
	gate     *engine.MergeGate
	policies engine.PolicyProvider
	logger   *slog.Logger
	engine   *gin.Engine
}

// New creates a server and registers its routes
func New(router *engine.Router, gate *engine.MergeGate, policies engine.PolicyProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:   router,
		gate:     gate,
		policies: policies,
		logger:   logger,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	events := s.engine.Group("/events")
	events.POST("/push", s.handlePush)
	events.POST("/pull-request", s.handlePullRequest)

	s.engine.POST("/merge-check", s.handleMergeCheck)

	build := s.engine.Group("/build")
	build.GET("/status/:repo/:kind/:state/:build/:buildHead", s.handleBuildStatus)
	build.GET("/status/:repo/:kind/:state/:build/:buildHead/:mergeHead/:pr", s.handleBuildStatus)
	build.GET("/trigger/:repo/:kind/:buildHead", s.handleTrigger)
	build.GET("/trigger/:repo/:kind/:buildHead/:mergeHead/:pr", s.handleTrigger)
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs every request and counts it in cibot_http_requests_total
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"duration", time.Since(start))
	}
}

// errorStatus maps engine errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, cierrors.ErrRepositoryNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, cierrors.ErrDispatchFailed):
		return http.StatusBadGateway
	case errors.Is(err, cierrors.ErrInvalidCommitID),
		errors.Is(err, cierrors.ErrUnknownRefChangeType),
		errors.Is(err, cierrors.ErrUnknownJobKind),
		errors.Is(err, cierrors.ErrUnknownBuildState),
		errors.Is(err, cierrors.ErrUnknownEvent),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// requireRepository answers 404 for repositories with no configuration
func (s *Server) requireRepository(c *gin.Context, repoID string) bool {
	if _, err := s.policies.RepositoryPolicy(c.Request.Context(), repoID); errors.Is(err, cierrors.ErrRepositoryNotConfigured) {
		s.fail(c, err)
		return false
	}
	return true
}
