// Package health provides the ops endpoint: liveness and readiness probes
// plus the Prometheus metrics exposition, served by a small gin engine.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// Probe timeouts.
const (
	// DefaultReadinessTimeout bounds each readiness check.
	DefaultReadinessTimeout = 5 * time.Second

	// serverShutdownTimeout bounds the ops server's own shutdown.
	serverShutdownTimeout = 5 * time.Second
)

// Check is one readiness check.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck creates a named check from a function.
func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name returns the check name.
func (c *CheckFunc) Name() string { return c.name }

// Check runs the check.
func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// Server serves the ops endpoint.
type Server struct {
	port      int
	logger    observability.Logger
	metrics   *observability.Metrics
	startTime time.Time

	mu     sync.RWMutex
	checks []Check

	server *http.Server
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics mounts the metrics handler.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates an ops server on the given port.
func NewServer(port int, opts ...ServerOption) *Server {
	s := &Server{
		port:      port,
		logger:    observability.NopLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddCheck registers a readiness check.
func (s *Server) AddCheck(c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, c)
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/readyz", s.handleReadyz)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	return engine
}

// Start begins serving in the background.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("ops server listening", observability.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server error", observability.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// handleHealthz reports liveness: the process is up.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleReadyz runs every registered check.
func (s *Server) handleReadyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultReadinessTimeout)
	defer cancel()

	s.mu.RLock()
	checks := make([]Check, len(s.checks))
	copy(checks, s.checks)
	s.mu.RUnlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for _, check := range checks {
		if err := check.Check(ctx); err != nil {
			results[check.Name()] = err.Error()
			healthy = false
		} else {
			results[check.Name()] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":  healthy,
		"checks": results,
	})
}
