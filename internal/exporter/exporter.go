// Package exporter wires the NVML library, the collector and the HTTP server
// into one process lifecycle.
package exporter

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/gpu-exporter/internal/collector"
	"github.com/kubeadapt/gpu-exporter/internal/config"
	"github.com/kubeadapt/gpu-exporter/internal/errors"
	"github.com/kubeadapt/gpu-exporter/internal/exposition"
	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/health"
	"github.com/kubeadapt/gpu-exporter/internal/observability"
	"github.com/kubeadapt/gpu-exporter/internal/probe"
	"github.com/kubeadapt/gpu-exporter/internal/snapshot"
)

// Deps are the exporter's injectable collaborators. Zero values select the
// production implementations.
type Deps struct {
	// NVML replaces the dynamically loaded library, typically with a mock.
	NVML    nvml.Interface
	Clock   errors.Clock
	Metrics *observability.Metrics
	Errors  *errors.ErrorCollector
}

// pipeline is everything built during startup that the HTTP handlers read.
type pipeline struct {
	lib        *gpu.Library
	devices    []gpu.Identity
	collector  *collector.Collector
	exposition *exposition.Collector
}

// Exporter is the top-level process object.
type Exporter struct {
	cfg     config.Config
	nvml    nvml.Interface
	metrics *observability.Metrics
	errs    *errors.ErrorCollector
	state   *StateMachine

	pipe   atomic.Pointer[pipeline]
	server atomic.Pointer[health.Server]
	ready  atomic.Bool
	readyC chan struct{}
}

// New creates an Exporter. Nothing touches NVML until Run.
func New(cfg config.Config, deps Deps) *Exporter {
	if deps.Clock == nil {
		deps.Clock = errors.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.Errors == nil {
		deps.Errors = errors.NewErrorCollector(deps.Clock)
	}
	return &Exporter{
		cfg:     cfg,
		nvml:    deps.NVML,
		metrics: deps.Metrics,
		errs:    deps.Errors,
		state:   NewStateMachine(deps.Clock, deps.Metrics),
		readyC:  make(chan struct{}),
	}
}

// Run initializes NVML, enumerates devices, starts the HTTP server and
// blocks until ctx is canceled. It returns an error only when startup fails;
// a clean shutdown returns nil.
func (e *Exporter) Run(ctx context.Context) error {
	probes, err := probe.Select(probe.Catalog(), e.cfg.EnabledMetrics)
	if err != nil {
		return e.fail("invalid metric selection", err)
	}
	if err := config.ValidateMetricsPath(e.cfg.MetricsPath); err != nil {
		return e.fail("invalid metrics path", err)
	}

	lib, err := gpu.Init(e.libraryOptions()...)
	if err != nil {
		e.report(errors.ErrNVMLInitFailed, "nvml", err)
		return e.fail("nvml init failed", err)
	}

	devices, err := e.enumerate(lib)
	if err != nil {
		e.shutdownLibrary(lib)
		return e.fail("device enumeration failed", err)
	}

	coll := collector.New(lib, devices, probes, collector.Options{
		ProbeTimeout:         e.cfg.ProbeTimeout,
		MaxConcurrentDevices: e.cfg.MaxConcurrentDevices,
		Metrics:              e.metrics,
		Errors:               e.errs,
	})
	expo := exposition.NewCollector(coll, probes)

	reg := prometheus.NewRegistry()
	if err := reg.Register(expo); err != nil {
		e.shutdownLibrary(lib)
		return e.fail("register device metrics", err)
	}

	e.pipe.Store(&pipeline{lib: lib, devices: devices, collector: coll, exposition: expo})
	e.metrics.Devices.Set(float64(len(devices)))
	e.publishBuildInfo(lib)

	srv := health.NewServer(health.ServerConfig{
		Port:        e.cfg.Port,
		MetricsPath: e.cfg.MetricsPath,
		RateLimit:   e.cfg.ScrapeRateLimit,
		RateBurst:   e.cfg.ScrapeRateBurst,
		EnableDebug: e.cfg.DebugEndpoints,
	}, reg, e.metrics, e, e, e.errs)
	if err := srv.Start(); err != nil {
		e.report(errors.ErrHTTPServerFailed, "health", err)
		e.shutdownLibrary(lib)
		return e.fail("http server failed to start", err)
	}
	e.server.Store(srv)

	memMon := NewMemoryPressureMonitor(MemoryPressureConfig{
		Threshold:  e.cfg.MemoryPressureThreshold,
		Interval:   e.cfg.MemoryPressureInterval,
		OnPressure: func(float64) { e.relieveMemoryPressure() },
	})
	memMon.Start()

	e.state.TransitionTo(StateRunning, "devices enumerated")
	e.ready.Store(true)
	close(e.readyC)
	slog.Info("exporter is ready",
		"addr", srv.Addr(),
		"metrics_path", e.cfg.MetricsPath,
		"devices", len(devices),
		"probes", len(probes),
	)

	<-ctx.Done()

	// Graceful shutdown.
	e.ready.Store(false)
	e.state.TransitionTo(StateStopping, "context canceled")
	memMon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	e.shutdownLibrary(lib)

	e.state.TransitionTo(StateStopped, "shutdown complete")
	slog.Info("exporter stopped")
	return nil
}

func (e *Exporter) libraryOptions() []gpu.Option {
	if e.nvml != nil {
		return []gpu.Option{gpu.WithInterface(e.nvml)}
	}
	if e.cfg.NVMLLibraryPath != "" {
		return []gpu.Option{gpu.WithLibraryPath(e.cfg.NVMLLibraryPath)}
	}
	return nil
}

func (e *Exporter) enumerate(lib *gpu.Library) ([]gpu.Identity, error) {
	start := time.Now()
	res, err := gpu.Enumerate(lib)
	if err != nil {
		e.report(errors.ErrEnumerationFailed, "nvml", err)
		return nil, err
	}

	for _, u := range res.Unavailable {
		slog.Warn("device unavailable, skipping", "index", u.Index, "error", u.Err)
		e.report(errors.ErrDeviceUnavailable, fmt.Sprintf("device-%d", u.Index), u.Err)
	}
	for _, d := range res.Devices {
		slog.Info("device enumerated",
			"index", d.Index,
			"uuid", d.UUID,
			"name", d.Name,
			"minor_number", d.MinorNumber,
		)
	}
	slog.Info("enumeration completed",
		"devices", len(res.Devices),
		"unavailable", len(res.Unavailable),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res.Devices, nil
}

func (e *Exporter) publishBuildInfo(lib *gpu.Library) {
	driver, err := lib.DriverVersion()
	if err != nil {
		slog.Warn("driver version unavailable", "error", err)
		driver = "unknown"
	}
	nvmlVersion, err := lib.NVMLVersion()
	if err != nil {
		slog.Warn("nvml version unavailable", "error", err)
		nvmlVersion = "unknown"
	}
	e.metrics.BuildInfo.WithLabelValues(e.cfg.Version, driver, nvmlVersion, e.cfg.InstanceID).Set(1)
	slog.Info("nvml initialized", "driver_version", driver, "nvml_version", nvmlVersion)
}

// shutdownLibrary blocks until in-flight collection passes have drained.
func (e *Exporter) shutdownLibrary(lib *gpu.Library) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := lib.ShutdownContext(ctx); err != nil {
		slog.Error("nvml shutdown failed", "error", err)
		return
	}
	slog.Info("nvml shut down", "elapsed", time.Since(start).Round(time.Millisecond))
}

// relieveMemoryPressure drops the cached debug snapshot and forces a GC.
func (e *Exporter) relieveMemoryPressure() {
	if p := e.pipe.Load(); p != nil {
		p.exposition.Reset()
	}
	runtime.GC()
	e.metrics.MemoryPressureEvents.Inc()
}

func (e *Exporter) fail(reason string, err error) error {
	e.state.TransitionTo(StateFailed, reason)
	slog.Error(reason, "error", err)
	return fmt.Errorf("%s: %w", reason, err)
}

func (e *Exporter) report(code errors.Code, component string, err error) {
	e.errs.Report(errors.New(code, component, err))
}

// Ready is closed once the exporter is serving.
func (e *Exporter) Ready() <-chan struct{} {
	return e.readyC
}

// State returns the current lifecycle state.
func (e *Exporter) State() State {
	return e.state.State()
}

// Addr returns the bound HTTP address, or "" before the server has started.
func (e *Exporter) Addr() string {
	if srv := e.server.Load(); srv != nil {
		return srv.Addr()
	}
	return ""
}

// IsReady implements health.ReadinessChecker.
func (e *Exporter) IsReady() bool {
	return e.ready.Load()
}

// LatestSnapshot implements health.DebugProvider. It returns the snapshot
// of the most recent scrape, or takes a fresh one when no scrape has
// happened since startup or the last memory pressure event.
func (e *Exporter) LatestSnapshot() *snapshot.Snapshot {
	p := e.pipe.Load()
	if p == nil {
		return nil
	}
	if snap := p.exposition.Latest(); snap != nil {
		return snap
	}
	if !e.IsReady() {
		return nil
	}
	return p.collector.Collect(context.Background())
}

// DeviceList implements health.DebugProvider.
func (e *Exporter) DeviceList() []gpu.Identity {
	p := e.pipe.Load()
	if p == nil {
		return []gpu.Identity{}
	}
	return p.collector.Devices()
}

// ActiveErrors implements health.DebugProvider.
func (e *Exporter) ActiveErrors() []errors.ExporterError {
	return e.errs.GetActiveErrors()
}

// IsStartupError reports whether err came from NVML initialization or
// enumeration, as opposed to configuration or the HTTP listener.
func IsStartupError(err error) bool {
	var initErr *gpu.InitError
	var enumErr *gpu.EnumError
	return stderrors.As(err, &initErr) || stderrors.As(err, &enumErr)
}
