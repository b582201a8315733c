package errors

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Code represents a typed error code surfaced on the debug endpoint.
type Code string

// Exporter error codes.
const (
	ErrNVMLInitFailed     Code = "NVML_INIT_FAILED"
	ErrEnumerationFailed  Code = "ENUMERATION_FAILED"
	ErrDeviceUnavailable  Code = "DEVICE_UNAVAILABLE"
	ErrDeviceLost         Code = "DEVICE_LOST"
	ErrProbeFailed        Code = "PROBE_FAILED"
	ErrProbeTimeout       Code = "PROBE_TIMEOUT"
	ErrLibraryShutDown    Code = "LIBRARY_SHUT_DOWN"
	ErrHTTPServerFailed   Code = "HTTP_SERVER_FAILED"
	ErrScrapeRateExceeded Code = "SCRAPE_RATE_EXCEEDED"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// ExporterError represents a typed exporter error with code, component, and optional wrapped error.
type ExporterError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// New builds an ExporterError stamped with the current time.
func New(code Code, component string, err error) ExporterError {
	e := ExporterError{
		Code:      code,
		Component: component,
		Timestamp: time.Now().UnixMilli(),
		Err:       err,
	}
	if err != nil {
		e.Message = err.Error()
	} else {
		e.Message = strings.ToLower(strings.ReplaceAll(string(code), "_", " "))
	}
	return e
}

// Error implements the error interface.
func (e *ExporterError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *ExporterError) Unwrap() error {
	return e.Err
}

// entry wraps an ExporterError with its last-reported time for expiry tracking.
type entry struct {
	err        ExporterError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store for active exporter errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clock Clock) *ErrorCollector {
	return &ErrorCollector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// key builds the dedup key for an error.
func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err ExporterError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	k := key(err.Code, err.Component)
	ec.entries[k] = entry{
		err:        err,
		lastReport: ec.clock.Now(),
	}
}

// GetActiveErrors returns all errors that have been reported within the TTL
// window, ordered by code then component.
func (ec *ErrorCollector) GetActiveErrors() []ExporterError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]ExporterError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	slices.SortFunc(result, func(a, b ExporterError) int {
		if c := strings.Compare(string(a.Code), string(b.Code)); c != 0 {
			return c
		}
		return strings.Compare(a.Component, b.Component)
	})
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	slices.Sort(codes)
	return codes
}
