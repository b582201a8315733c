package exporter

import (
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

// runtimeMemStatsProvider uses the real runtime.ReadMemStats.
type runtimeMemStatsProvider struct{}

func (runtimeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// currentMemoryLimit reads GOMEMLIMIT without changing it. automemlimit sets
// it from the cgroup at startup.
func currentMemoryLimit() int64 {
	return debug.SetMemoryLimit(-1)
}

// MemoryPressureConfig configures a MemoryPressureMonitor.
type MemoryPressureConfig struct {
	// Threshold is the fraction of the memory limit, e.g. 0.8.
	Threshold float64
	Interval  time.Duration
	// OnPressure runs when usage rises above Threshold. It does not run
	// again until usage has dropped back below.
	OnPressure func(ratio float64)

	Stats MemStatsProvider // nil reads the runtime
	Limit func() int64     // nil reads GOMEMLIMIT
}

// MemoryPressureMonitor polls memory usage against GOMEMLIMIT and invokes a
// callback when it crosses the configured threshold.
type MemoryPressureMonitor struct {
	cfg MemoryPressureConfig

	mu    sync.Mutex
	above bool

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMemoryPressureMonitor creates a monitor from cfg.
func NewMemoryPressureMonitor(cfg MemoryPressureConfig) *MemoryPressureMonitor {
	if cfg.Stats == nil {
		cfg.Stats = runtimeMemStatsProvider{}
	}
	if cfg.Limit == nil {
		cfg.Limit = currentMemoryLimit
	}
	if cfg.OnPressure == nil {
		cfg.OnPressure = func(float64) {}
	}
	return &MemoryPressureMonitor{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the background polling goroutine. Calls after the first are
// no-ops.
func (m *MemoryPressureMonitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

func (m *MemoryPressureMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check samples memory usage once and fires the callback on a rising edge.
// It reports whether usage is currently above the threshold.
func (m *MemoryPressureMonitor) Check() bool {
	ratio, ok := m.ratio()

	m.mu.Lock()
	wasAbove := m.above
	m.above = ok && ratio > m.cfg.Threshold
	nowAbove := m.above
	m.mu.Unlock()

	if nowAbove && !wasAbove {
		slog.Warn("memory pressure detected",
			"usage_ratio", ratio,
			"threshold", m.cfg.Threshold,
		)
		m.cfg.OnPressure(ratio)
	}
	return nowAbove
}

func (m *MemoryPressureMonitor) ratio() (float64, bool) {
	limit := m.cfg.Limit()
	if limit <= 0 || limit == math.MaxInt64 {
		return 0, false // GOMEMLIMIT not set
	}

	var stats runtime.MemStats
	m.cfg.Stats.ReadMemStats(&stats)

	usage := stats.Sys - stats.HeapReleased
	return float64(usage) / float64(limit), true
}

// Stop halts the polling goroutine and waits for it to exit. Safe to call
// multiple times, and before Start.
func (m *MemoryPressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.done
	}
}
