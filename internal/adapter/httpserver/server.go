package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// StatusFunc reports runtime state for the /status endpoint. It may hit the
// token store.
type StatusFunc func(ctx context.Context) any

// Liveness is the bot-specific part of /health/live.
type Liveness struct {
	SessionState         string   `json:"session_state"`
	QueueDepth           int      `json:"queue_depth"`
	DegradedBroadcasters []string `json:"degraded_broadcasters,omitempty"`
}

// LivenessFunc must not do I/O; the liveness probe never fails on it.
type LivenessFunc func() Liveness

type Options struct {
	Port         string
	Metrics      http.Handler
	Middleware   []echo.MiddlewareFunc
	HealthChecks []HealthCheck
	Status       StatusFunc
	Liveness     LivenessFunc
}

// Server is the operations endpoint of the bot: probes, version, status
// and Prometheus metrics. It serves no user-facing pages.
type Server struct {
	echo         *echo.Echo
	port         string
	metrics      http.Handler
	healthChecks []HealthCheck
	status       StatusFunc
	liveness     LivenessFunc
	startTime    time.Time
}

func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		port:         opts.Port,
		metrics:      opts.Metrics,
		healthChecks: opts.HealthChecks,
		status:       opts.Status,
		liveness:     opts.Liveness,
		startTime:    time.Now(),
	}

	srv.registerRoutes(opts.Middleware)
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting ops server", "port", s.port)
	if err := s.echo.Start(":" + s.port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full route table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
