// Package exposition renders collection snapshots as Prometheus metrics.
//
// Collector takes one fresh snapshot per scrape; nothing is cached between
// scrapes other than the most recent snapshot, which is kept for the debug
// endpoints.
package exposition

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/gpu-exporter/internal/probe"
	"github.com/kubeadapt/gpu-exporter/internal/snapshot"
)

// Namespace prefixes every device metric.
const Namespace = "nvidia_gpu"

var deviceLabels = []string{"device", "name"}

// SnapshotSource produces a snapshot on demand. *collector.Collector
// satisfies it.
type SnapshotSource interface {
	Collect(ctx context.Context) *snapshot.Snapshot
}

// Collector is a prometheus.Collector over a SnapshotSource.
type Collector struct {
	source SnapshotSource

	descs          map[string]*prometheus.Desc
	order          []string
	kinds          map[string]probe.Kind
	numDevices     *prometheus.Desc
	probeSkipped   *prometheus.Desc
	scrapeDuration *prometheus.Desc

	latest atomic.Pointer[snapshot.Snapshot]
}

// NewCollector builds descriptors for probes and returns a Collector reading
// from source.
func NewCollector(source SnapshotSource, probes []probe.Probe) *Collector {
	c := &Collector{
		source: source,
		descs:  make(map[string]*prometheus.Desc, len(probes)),
		order:  make([]string, 0, len(probes)),
		kinds:  make(map[string]probe.Kind, len(probes)),
		numDevices: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "num_devices"),
			"Number of GPU devices being monitored. Devices NVML lists but whose identity could not be resolved are excluded.",
			nil, nil,
		),
		probeSkipped: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "probe_skipped"),
			"Number of probes that produced no value in this scrape, by reason.",
			[]string{"device", "name", "reason"}, nil,
		),
		scrapeDuration: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "scrape_duration_seconds"),
			"Time taken to collect this scrape's snapshot.",
			nil, nil,
		),
	}
	for _, p := range probes {
		c.descs[p.Name] = prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", p.Name),
			p.Help,
			deviceLabels, nil,
		)
		c.kinds[p.Name] = p.Kind
		c.order = append(c.order, p.Name)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, name := range c.order {
		ch <- c.descs[name]
	}
	ch <- c.numDevices
	ch <- c.probeSkipped
	ch <- c.scrapeDuration
}

// Collect implements prometheus.Collector. Only successful samples are
// emitted; skipped ones surface through nvidia_gpu_probe_skipped.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Collect(context.Background())
	c.latest.Store(snap)

	for s := range snap.Samples() {
		desc, ok := c.descs[s.Name]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(desc, valueType(c.kinds[s.Name]), s.Value, s.Device.UUID, s.Device.Name)
	}

	devices := snap.Devices()
	ch <- prometheus.MustNewConstMetric(c.numDevices, prometheus.GaugeValue, float64(len(devices)))

	for _, d := range devices {
		for status, n := range snap.DeviceSkipSummary(d.UUID) {
			ch <- prometheus.MustNewConstMetric(c.probeSkipped, prometheus.GaugeValue, float64(n),
				d.UUID, d.Name, status.String())
		}
	}

	ch <- prometheus.MustNewConstMetric(c.scrapeDuration, prometheus.GaugeValue, snap.Duration.Seconds())
}

// Latest returns the snapshot taken by the most recent scrape, or nil before
// the first one.
func (c *Collector) Latest() *snapshot.Snapshot {
	return c.latest.Load()
}

// Reset drops the cached snapshot.
func (c *Collector) Reset() {
	c.latest.Store(nil)
}

func valueType(k probe.Kind) prometheus.ValueType {
	if k == probe.Counter {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}
