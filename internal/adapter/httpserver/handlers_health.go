package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatguard/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named health check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

type livenessResponse struct {
	Status     string  `json:"status"`
	Uptime     float64 `json:"uptime"`
	InstanceID string  `json:"instance_id"`
	*Liveness
}

// handleLiveness reports the session state but never fails on it; a
// reconnecting session is the readiness probe's concern.
func (s *Server) handleLiveness(c echo.Context) error {
	response := livenessResponse{
		Status:     "ok",
		Uptime:     time.Since(s.startTime).Seconds(),
		InstanceID: version.InstanceID(),
	}
	if s.liveness != nil {
		l := s.liveness()
		response.Liveness = &l
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}

	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

type healthResponse struct {
	Status      string            `json:"status"`
	FailedCheck string            `json:"failed_check,omitempty"`
	Error       string            `json:"error,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// runHealthChecks runs every check so the response names each failing
// dependency; failed_check and error carry the first failure.
func (s *Server) runHealthChecks(c echo.Context, ctx context.Context) error {
	response := healthResponse{Status: "ready"}
	if len(s.healthChecks) > 0 {
		response.Checks = make(map[string]string, len(s.healthChecks))
	}

	for _, hc := range s.healthChecks {
		err := hc.Check(ctx)
		if err == nil {
			response.Checks[hc.Name] = "ok"
			continue
		}

		response.Checks[hc.Name] = err.Error()
		if response.FailedCheck == "" {
			response.Status = "unhealthy"
			response.FailedCheck = hc.Name
			response.Error = err.Error()
		}
	}

	code := http.StatusOK
	if response.FailedCheck != "" {
		code = http.StatusServiceUnavailable
	}
	if err := c.JSON(code, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
