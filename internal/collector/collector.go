// Package collector runs collection passes: every enabled probe against every
// enumerated device, producing one snapshot per pass.
package collector

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubeadapt/gpu-exporter/internal/errors"
	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/observability"
	"github.com/kubeadapt/gpu-exporter/internal/probe"
	"github.com/kubeadapt/gpu-exporter/internal/snapshot"
)

const (
	defaultProbeTimeout         = 500 * time.Millisecond
	defaultMaxConcurrentDevices = 4
)

// Library is the part of *gpu.Library a collection pass needs.
type Library interface {
	probe.Querier
	Acquire() (func(), error)
}

// Options tunes a Collector. Zero values select defaults; Metrics and
// Errors may be nil.
type Options struct {
	ProbeTimeout         time.Duration
	MaxConcurrentDevices int
	Metrics              *observability.Metrics
	Errors               *errors.ErrorCollector
}

// Collector produces snapshots. It holds no mutable state, so any number of
// Collect calls may run at once.
type Collector struct {
	lib     Library
	devices []gpu.Identity
	probes  []probe.Probe
	opts    Options
}

// New creates a Collector over a fixed device set and probe list.
func New(lib Library, devices []gpu.Identity, probes []probe.Probe, opts Options) *Collector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.MaxConcurrentDevices <= 0 {
		opts.MaxConcurrentDevices = defaultMaxConcurrentDevices
	}
	d := make([]gpu.Identity, len(devices))
	copy(d, devices)
	p := make([]probe.Probe, len(probes))
	copy(p, probes)
	return &Collector{lib: lib, devices: d, probes: p, opts: opts}
}

// Devices returns the device set the collector covers.
func (c *Collector) Devices() []gpu.Identity {
	out := make([]gpu.Identity, len(c.devices))
	copy(out, c.devices)
	return out
}

// Probes returns the enabled probes in catalog order.
func (c *Collector) Probes() []probe.Probe {
	out := make([]probe.Probe, len(c.probes))
	copy(out, c.probes)
	return out
}

// Collect runs one pass and returns its snapshot. It never fails: every
// (device, probe) pair ends up either with a value or with a skip status.
// Cancelling ctx does not abort a pass that has started; probe deadlines
// bound its duration instead.
func (c *Collector) Collect(ctx context.Context) *snapshot.Snapshot {
	start := time.Now()
	if m := c.opts.Metrics; m != nil {
		m.CollectionsInFlight.Inc()
		defer m.CollectionsInFlight.Dec()
	}

	slots := make([][]snapshot.Sample, len(c.devices))

	release, err := c.lib.Acquire()
	if err != nil {
		slog.DebugContext(ctx, "collection on unavailable library", "error", err)
		c.report(errors.New(errors.ErrLibraryShutDown, "collector", err))
		for i, d := range c.devices {
			slots[i] = c.skipAll(d)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(c.opts.MaxConcurrentDevices)
		for i, d := range c.devices {
			g.Go(func() error {
				slots[i] = c.collectDevice(d)
				return nil
			})
		}
		_ = g.Wait()
		release()
	}

	b := snapshot.NewBuilder(c.devices, len(c.devices)*len(c.probes))
	for _, slot := range slots {
		for _, s := range slot {
			if err := b.Add(s); err != nil {
				slog.ErrorContext(ctx, "dropping sample", "error", err)
			}
		}
	}
	took := time.Since(start)
	snap := b.Build(start, took)

	if m := c.opts.Metrics; m != nil {
		m.CollectDuration.Observe(took.Seconds())
	}
	slog.DebugContext(ctx, "collection complete",
		"devices", len(c.devices),
		"samples", snap.Len(),
		"duration", took,
	)
	return snap
}

// collectDevice queries every probe against one device in catalog order.
// After a probe reports the device lost or times out, the rest are skipped
// as transient without calling the driver.
func (c *Collector) collectDevice(d gpu.Identity) []snapshot.Sample {
	out := make([]snapshot.Sample, 0, len(c.probes))
	skipRest := false

	for _, p := range c.probes {
		s := snapshot.Sample{Descriptor: p.Descriptor, Device: d}
		if skipRest {
			s.Status = snapshot.StatusTransient
			c.record(s)
			out = append(out, s)
			continue
		}

		v, err := p.Query(c.lib, d, c.opts.ProbeTimeout)
		if err == nil {
			s.Value = v
			s.Status = snapshot.StatusOK
		} else {
			s.Status, skipRest = c.classify(d, p, err)
		}
		c.record(s)
		out = append(out, s)
	}
	return out
}

// classify turns a probe error into a status and reports whether the
// device's remaining probes should be skipped for this pass.
func (c *Collector) classify(d gpu.Identity, p probe.Probe, err error) (snapshot.Status, bool) {
	var pe *gpu.ProbeError
	if !stderrors.As(err, &pe) {
		c.reportProbeFailure(d, p, err)
		return snapshot.StatusUnknown, false
	}

	switch {
	case pe.DeviceLost:
		slog.Warn("device lost during collection",
			"device", d.UUID,
			"metric", p.Name,
			"error", err,
		)
		c.report(errors.New(errors.ErrDeviceLost, d.UUID, err))
		return snapshot.StatusTransient, true
	case stderrors.Is(err, gpu.ErrDeviceStalled):
		slog.Debug("device stalled, skipping probes",
			"device", d.UUID,
			"metric", p.Name,
		)
		return snapshot.StatusTransient, true
	case stderrors.Is(err, gpu.ErrProbeTimeout):
		slog.Warn("probe timed out",
			"device", d.UUID,
			"metric", p.Name,
			"timeout", c.opts.ProbeTimeout,
		)
		if m := c.opts.Metrics; m != nil {
			m.ProbeTimeoutsTotal.Inc()
		}
		c.report(errors.New(errors.ErrProbeTimeout, d.UUID, err))
		return snapshot.StatusTransient, true
	case pe.Kind == gpu.ProbeUnknown:
		c.reportProbeFailure(d, p, err)
	}
	return snapshot.StatusFor(pe.Kind), false
}

func (c *Collector) reportProbeFailure(d gpu.Identity, p probe.Probe, err error) {
	slog.Warn("probe failed",
		"device", d.UUID,
		"metric", p.Name,
		"error", err,
	)
	c.report(errors.New(errors.ErrProbeFailed, d.UUID, fmt.Errorf("%s: %w", p.Name, err)))
}

func (c *Collector) skipAll(d gpu.Identity) []snapshot.Sample {
	out := make([]snapshot.Sample, len(c.probes))
	for i, p := range c.probes {
		out[i] = snapshot.Sample{Descriptor: p.Descriptor, Device: d, Status: snapshot.StatusTransient}
		c.record(out[i])
	}
	return out
}

func (c *Collector) record(s snapshot.Sample) {
	if m := c.opts.Metrics; m != nil {
		m.ProbeResultsTotal.WithLabelValues(s.Name, s.Status.String()).Inc()
	}
}

func (c *Collector) report(e errors.ExporterError) {
	if c.opts.Errors != nil {
		c.opts.Errors.Report(e)
	}
}
