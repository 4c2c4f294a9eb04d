package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pscheid92/chatguard/internal/platform/version"
)

const namespace = "chatguard"

// NewRegistry creates the bot's registry: GC and scheduler runtime metrics,
// process metrics, and a constant build_info series.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsGC, collectors.MetricsScheduler)),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newBuildInfo(version.Get()),
	)
	return reg
}

func newBuildInfo(info version.Info) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Always 1. Labels identify the running build and process.",
		ConstLabels: prometheus.Labels{
			"version":     info.Version,
			"commit":      info.Commit,
			"go_version":  info.GoVersion,
			"instance_id": info.InstanceID,
		},
	})
	g.Set(1)
	return g
}

// Handler serves the registry. A failing collector is reported in the
// handler's own error counter and the remaining series are still served.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:      reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}
