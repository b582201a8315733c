package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all exporter configuration values.
type Config struct {
	Port            int
	MetricsPath     string
	ShutdownTimeout time.Duration
	InstanceID      string
	Version         string

	// Collection
	EnabledMetrics       []string      // GPU_EXPORTER_ENABLED_METRICS, comma-separated; empty selects all
	ProbeTimeout         time.Duration // GPU_EXPORTER_PROBE_TIMEOUT, default: 500ms
	MaxConcurrentDevices int           // GPU_EXPORTER_MAX_CONCURRENT_DEVICES, default: 4
	NVMLLibraryPath      string        // GPU_EXPORTER_NVML_LIBRARY_PATH, default: "" (dlopen search path)

	// HTTP
	ScrapeRateLimit float64 // GPU_EXPORTER_RATE_LIMIT, scrapes per second, default: 0 (unlimited)
	ScrapeRateBurst int     // GPU_EXPORTER_RATE_BURST, default: 20; used only when a rate is set
	DebugEndpoints  bool    // GPU_EXPORTER_DEBUG_ENDPOINTS, default: false; enables pprof/debug on the metrics port

	// Logging
	LogLevel  string // GPU_EXPORTER_LOG_LEVEL: debug, info, warn, error
	LogFormat string // GPU_EXPORTER_LOG_FORMAT: json, text

	// Runtime
	MemoryPressureThreshold float64       // GPU_EXPORTER_MEMORY_PRESSURE_THRESHOLD, fraction of GOMEMLIMIT, default: 0.8
	MemoryPressureInterval  time.Duration // GPU_EXPORTER_MEMORY_PRESSURE_INTERVAL, default: 30s
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		Port:            parseInt("GPU_EXPORTER_LISTEN_PORT", 9899),
		MetricsPath:     envOrDefault("GPU_EXPORTER_METRICS_PATH", "/metrics"),
		ShutdownTimeout: parseDuration("GPU_EXPORTER_SHUTDOWN_TIMEOUT", 10*time.Second),
		InstanceID:      os.Getenv("GPU_EXPORTER_INSTANCE_ID"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	cfg.EnabledMetrics = parseStringSlice("GPU_EXPORTER_ENABLED_METRICS")
	cfg.ProbeTimeout = parseDuration("GPU_EXPORTER_PROBE_TIMEOUT", 500*time.Millisecond)
	cfg.MaxConcurrentDevices = parseInt("GPU_EXPORTER_MAX_CONCURRENT_DEVICES", 4)
	cfg.NVMLLibraryPath = envOrDefault("GPU_EXPORTER_NVML_LIBRARY_PATH", "")

	cfg.ScrapeRateLimit = parseFloat("GPU_EXPORTER_RATE_LIMIT", 0)
	cfg.ScrapeRateBurst = parseInt("GPU_EXPORTER_RATE_BURST", 20)
	cfg.DebugEndpoints = parseBool("GPU_EXPORTER_DEBUG_ENDPOINTS", false)

	cfg.LogLevel = strings.ToLower(envOrDefault("GPU_EXPORTER_LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(envOrDefault("GPU_EXPORTER_LOG_FORMAT", "json"))

	cfg.MemoryPressureThreshold = parseFloat("GPU_EXPORTER_MEMORY_PRESSURE_THRESHOLD", 0.8)
	cfg.MemoryPressureInterval = parseDuration("GPU_EXPORTER_MEMORY_PRESSURE_INTERVAL", 30*time.Second)

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer milliseconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer milliseconds
	ms, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func parseStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}
