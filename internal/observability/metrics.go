package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for exporter self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Collection metrics
	CollectDuration     prometheus.Histogram
	ProbeResultsTotal   *prometheus.CounterVec
	ProbeTimeoutsTotal  prometheus.Counter
	Devices             prometheus.Gauge
	CollectionsInFlight prometheus.Gauge

	// State metrics
	ExporterState *prometheus.GaugeVec
	BuildInfo     *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRateLimitedTotal prometheus.Counter

	// Runtime metrics
	MemoryPressureEvents prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry, alongside the Go runtime and process
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		CollectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpu_exporter_collect_duration_seconds",
			Help:    "Duration of collection passes in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ProbeResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpu_exporter_probe_results_total",
			Help: "Total number of probe outcomes by metric and status.",
		}, []string{"metric", "status"}),
		ProbeTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_exporter_probe_timeouts_total",
			Help: "Total number of probes abandoned after their deadline.",
		}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_exporter_devices",
			Help: "Number of devices enumerated at startup.",
		}),
		CollectionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_exporter_collections_in_flight",
			Help: "Number of collection passes currently running.",
		}),

		ExporterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_exporter_state",
			Help: "Current exporter state (1 = active, 0 = inactive).",
		}, []string{"state"}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_exporter_build_info",
			Help: "Exporter build and driver information. Value is always 1.",
		}, []string{"version", "driver_version", "nvml_version", "instance_id"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpu_exporter_http_requests_total",
			Help: "Total number of HTTP requests by path and status code.",
		}, []string{"path", "code"}),
		HTTPRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_exporter_http_rate_limited_total",
			Help: "Total number of scrapes rejected by the rate limiter.",
		}),

		MemoryPressureEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_exporter_memory_pressure_events_total",
			Help: "Total number of times heap usage crossed the memory pressure threshold.",
		}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.CollectDuration,
		m.ProbeResultsTotal,
		m.ProbeTimeoutsTotal,
		m.Devices,
		m.CollectionsInFlight,
		m.ExporterState,
		m.BuildInfo,
		m.HTTPRequestsTotal,
		m.HTTPRateLimitedTotal,
		m.MemoryPressureEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// SetState marks state as the only active exporter state.
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ExporterState.WithLabelValues(s).Set(v)
	}
}
