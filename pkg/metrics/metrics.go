package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds the pipeline collectors. Each process owns its own registry so
// tests and the CLI push job never share global state.
type Registry struct {
	reg *prometheus.Registry

	Artifacts     *prometheus.CounterVec
	Packages      *prometheus.CounterVec
	PackageBytes  *prometheus.GaugeVec
	Uploads       *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Events        *prometheus.CounterVec
}

// New registers the pipeline collectors. Process and Go runtime collectors are
// added when withRuntime is set, which notifierd does for /metrics.
func New(withRuntime bool) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		Artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "artifacts_total",
			Help:      "Evidence artifacts by kind and outcome.",
		}, []string{"kind", "status"}),
		Packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "packages_total",
			Help:      "Package builds by scheme and outcome.",
		}, []string{"scheme", "status"}),
		PackageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "compliance",
			Name:      "package_bytes",
			Help:      "Size of the most recent package per scheme.",
		}, []string{"scheme"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "uploads_total",
			Help:      "Object storage uploads by outcome.",
		}, []string{"status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "notifications_total",
			Help:      "Notifications sent by outcome.",
		}, []string{"status"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compliance",
			Name:      "storage_events_total",
			Help:      "Storage arrival records by source and disposition.",
		}, []string{"source", "disposition"}),
	}

	reg.MustRegister(r.Artifacts, r.Packages, r.PackageBytes, r.Uploads, r.Notifications, r.Events)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Gatherer exposes the registry for promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Push sends the current values to a Prometheus pushgateway under job.
func (r *Registry) Push(ctx context.Context, url, job string) error {
	if r == nil {
		return errors.New("nil registry")
	}
	if url == "" {
		return errors.New("pushgateway url is required")
	}
	return push.New(url, job).Gatherer(r.reg).PushContext(ctx)
}

// Status converts an error into the label value used across the counters.
func Status(err error) string {
	if err != nil {
		return "failed"
	}
	return "succeeded"
}
