package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const maxProbeTimeout = 30 * time.Second

// reservedPaths are served by the exporter itself on the metrics port.
var reservedPaths = []string{"/healthz", "/readyz"}

const debugPrefix = "/debug/"

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: Port must be 1-65535, got %d", c.Port)
	}

	if err := ValidateMetricsPath(c.MetricsPath); err != nil {
		return err
	}

	if c.ProbeTimeout <= 0 || c.ProbeTimeout > maxProbeTimeout {
		return fmt.Errorf("config: ProbeTimeout must be in (0, %v], got %v", maxProbeTimeout, c.ProbeTimeout)
	}

	if c.MaxConcurrentDevices < 1 {
		return fmt.Errorf("config: MaxConcurrentDevices must be >= 1, got %d", c.MaxConcurrentDevices)
	}

	// A zero rate disables scrape rate limiting.
	if c.ScrapeRateLimit < 0 {
		return fmt.Errorf("config: ScrapeRateLimit must be >= 0, got %v", c.ScrapeRateLimit)
	}
	if c.ScrapeRateLimit > 0 && c.ScrapeRateBurst < 1 {
		return fmt.Errorf("config: ScrapeRateBurst must be >= 1 when rate limiting is enabled, got %d", c.ScrapeRateBurst)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: ShutdownTimeout must be > 0, got %v", c.ShutdownTimeout)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LogLevel must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: LogFormat must be json or text (got %q)", c.LogFormat)
	}

	if c.MemoryPressureThreshold <= 0 || c.MemoryPressureThreshold > 1 {
		return fmt.Errorf("config: MemoryPressureThreshold must be in (0, 1], got %v", c.MemoryPressureThreshold)
	}

	if c.MemoryPressureInterval <= 0 {
		return fmt.Errorf("config: MemoryPressureInterval must be > 0, got %v", c.MemoryPressureInterval)
	}

	return nil
}

// ValidateMetricsPath checks that path can be registered next to the
// exporter's own health, readiness and debug endpoints.
func ValidateMetricsPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("config: MetricsPath must start with /, got %q", path)
	}
	if slices.Contains(reservedPaths, path) || strings.HasPrefix(path, debugPrefix) {
		return fmt.Errorf("config: MetricsPath %q collides with a built-in endpoint", path)
	}
	return nil
}
