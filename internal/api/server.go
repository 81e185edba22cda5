package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"price-tracker/internal/cache"
	"price-tracker/internal/resilience"
	"price-tracker/internal/version"
)

// HealthChecker is implemented by components that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// BreakerLister exposes circuit breaker state.
type BreakerLister interface {
	Snapshots() []resilience.Snapshot
}

// Options configure the status server.
type Options struct {
	Addr            string
	Mode            string
	ShutdownTimeout time.Duration
}

// Deps are the components the status endpoints report on. Any may be nil.
type Deps struct {
	Health   HealthChecker
	Breakers BreakerLister
	Cache    cache.Cache
}

// Server is a small read-only status API.
type Server struct {
	engine *gin.Engine
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// New builds the gin engine and registers routes.
func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if opts.Mode == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		engine: gin.New(),
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.healthHandler)
	s.engine.GET("/breakers", s.breakersHandler)
	s.engine.GET("/cache", s.cacheHandler)
	s.engine.GET("/version", s.versionHandler)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(started)).
			Msg("request served")
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("health check failed: database unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "connected",
	})
}

func (s *Server) breakersHandler(c *gin.Context) {
	snapshots := []resilience.Snapshot{}
	if s.deps.Breakers != nil {
		snapshots = s.deps.Breakers.Snapshots()
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snapshots})
}

func (s *Server) cacheHandler(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache not configured"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.Version,
		"commit":  version.Commit,
		"built":   version.BuildDate,
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info().Str("addr", s.opts.Addr).Msg("starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("stopping status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("status server forced to shutdown")
		return err
	}
	return nil
}
