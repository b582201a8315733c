// Package gpu owns the connection to the NVIDIA management library (NVML).
//
// A Library is created once per process with Init and released with
// Shutdown. Collection passes hold its read guard (Acquire) for their whole
// duration, so Shutdown only tears down NVML after every in-flight pass and
// every abandoned, timed-out foreign call has returned. A device with such a
// call outstanding is stalled: queries on it fail fast until the call returns,
// so a wedged device costs at most one goroutine. Device handles are
// resolved once by Enumerate and cached per UUID for the Ready state; callers
// above this package never see raw handles and only reach a device through
// Library.Query.
//
// NVML return codes are translated into typed errors at this boundary:
// InitError and EnumError for startup, ProbeError for per-metric reads.
package gpu
