package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/analysis"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observability"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
	"github.com/02loveslollipop/Kawa-river-viewer/internal/service"
	"github.com/02loveslollipop/Kawa-river-viewer/services/api/config"
)

// QueryService is the part of service.Service the handlers use.
type QueryService interface {
	Rivers(ctx context.Context) ([]string, error)
	Stations(ctx context.Context, river string) ([]string, error)
	Series(ctx context.Context, river, station string, r observation.Range) ([]observation.SeriesPoint, error)
	Seasonal(ctx context.Context, river, station string, years int) (analysis.Result, error)
	Sync(ctx context.Context) (service.SyncReport, error)
	Ping(ctx context.Context) error
}

var _ QueryService = (*service.Service)(nil)

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg    config.Config
	svc    QueryService
	logger *slog.Logger
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg config.Config, svc QueryService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(corsMiddleware())

	server := &Server{cfg: cfg, svc: svc, logger: observability.Component(logger, "http"), engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.registerV1Routes()
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.svc.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func apiVersionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-API-Version", "v1")
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// writeError maps domain errors to status codes. Input and analysis errors
// are the caller's problem; everything else is a 500.
func writeError(c *gin.Context, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
	)
	switch {
	case errors.Is(err, observation.ErrInvalidRange):
		status, code = http.StatusBadRequest, "invalid_range"
	case errors.Is(err, analysis.ErrInvalidYears):
		status, code = http.StatusBadRequest, "invalid_years"
	case errors.Is(err, analysis.ErrNoData):
		status, code = http.StatusBadRequest, "no_data"
	case errors.Is(err, analysis.ErrNoValidData):
		status, code = http.StatusBadRequest, "no_valid_data"
	case errors.Is(err, service.ErrSyncInProgress):
		status, code = http.StatusConflict, "sync_in_progress"
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
