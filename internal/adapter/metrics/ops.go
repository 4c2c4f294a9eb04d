package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedRoute = "unmatched"

// OpsMetrics tracks the ops server. Scrapes of /metrics are not counted;
// probes are, so failing readiness checks show up as 503s per route.
type OpsMetrics struct {
	Requests    *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	RateLimited prometheus.Counter
}

func NewOpsMetrics(reg prometheus.Registerer) *OpsMetrics {
	m := &OpsMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "requests_total",
			Help:      "Requests served by the ops server.",
		}, []string{"route", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "request_duration_seconds",
			Help:      "Ops request latency. Readiness includes the token store ping.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "rate_limited_total",
			Help:      "Ops requests rejected by the per-client rate limiter.",
		}),
	}

	reg.MustRegister(m.Requests, m.Duration, m.RateLimited)
	return m
}

func (m *OpsMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "/metrics" {
				return next(c)
			}
			if route == "" {
				route = unmatchedRoute
			}

			start := time.Now()
			err := next(c)

			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				code = he.Code
			}
			if code == http.StatusTooManyRequests {
				m.RateLimited.Inc()
			}
			m.Requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
			m.Duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
