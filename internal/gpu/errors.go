package gpu

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

var (
	// ErrShutDown is returned for any device access after Shutdown.
	ErrShutDown = errors.New("gpu: library is shut down")
	// ErrProbeTimeout is wrapped by a ProbeError when a foreign call exceeds
	// its deadline.
	ErrProbeTimeout = errors.New("gpu: probe deadline exceeded")
	// ErrDeviceStalled is returned without calling the driver while an
	// earlier timed-out call on the same device is still running. It wraps
	// ErrProbeTimeout.
	ErrDeviceStalled = fmt.Errorf("gpu: earlier call on device still running: %w", ErrProbeTimeout)
	// ErrShutdownIncomplete is returned when ShutdownContext gives up waiting
	// for foreign calls that never returned.
	ErrShutdownIncomplete = errors.New("gpu: shutdown abandoned with driver calls outstanding")
	// ErrUnknownDevice is returned when a UUID has no cached handle.
	ErrUnknownDevice = errors.New("gpu: device not enumerated")

	errLibraryActive = errors.New("gpu: another library handle is already ready in this process")
)

// InitKind classifies why Init failed.
type InitKind int

// Init failure kinds.
const (
	InitUnknown InitKind = iota
	InitDriverAbsent
	InitPermissionDenied
	InitAlreadyInitialized
)

func (k InitKind) String() string {
	switch k {
	case InitDriverAbsent:
		return "driver_absent"
	case InitPermissionDenied:
		return "permission_denied"
	case InitAlreadyInitialized:
		return "already_initialized"
	default:
		return "unknown"
	}
}

// InitError is returned by Init. The process cannot proceed after one.
type InitError struct {
	Kind InitKind
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("gpu: nvml init failed (%s): %v", e.Kind, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func newInitError(ret nvml.Return) *InitError {
	kind := InitUnknown
	switch ret {
	case nvml.ERROR_LIBRARY_NOT_FOUND, nvml.ERROR_DRIVER_NOT_LOADED,
		nvml.ERROR_FUNCTION_NOT_FOUND, nvml.ERROR_LIB_RM_VERSION_MISMATCH:
		kind = InitDriverAbsent
	case nvml.ERROR_NO_PERMISSION:
		kind = InitPermissionDenied
	case nvml.ERROR_ALREADY_INITIALIZED:
		kind = InitAlreadyInitialized
	}
	return &InitError{Kind: kind, Err: ret}
}

// EnumError is returned by Enumerate when the device count itself cannot be
// read. Per-device failures do not produce an EnumError.
type EnumError struct {
	Err error
}

func (e *EnumError) Error() string {
	return fmt.Sprintf("gpu: device enumeration failed: %v", e.Err)
}

func (e *EnumError) Unwrap() error { return e.Err }

// ProbeKind classifies a failed device read.
type ProbeKind int

// Probe failure kinds.
const (
	ProbeUnknown ProbeKind = iota
	ProbeUnsupported
	ProbePermissionDenied
	ProbeTransient
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeUnsupported:
		return "unsupported"
	case ProbePermissionDenied:
		return "permission_denied"
	case ProbeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ProbeError describes one failed read against one device.
// DeviceLost is only ever set together with ProbeTransient and tells the
// caller the handle is gone for the rest of the pass.
type ProbeError struct {
	Kind       ProbeKind
	Op         string
	DeviceLost bool
	Err        error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("gpu: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// classifyReturn maps a non-success NVML return code onto a ProbeError.
func classifyReturn(op string, ret nvml.Return) *ProbeError {
	pe := &ProbeError{Kind: ProbeUnknown, Op: op, Err: ret}
	switch ret {
	case nvml.ERROR_NOT_SUPPORTED, nvml.ERROR_FUNCTION_NOT_FOUND, nvml.ERROR_INVALID_ARGUMENT:
		pe.Kind = ProbeUnsupported
	case nvml.ERROR_NO_PERMISSION:
		pe.Kind = ProbePermissionDenied
	case nvml.ERROR_TIMEOUT, nvml.ERROR_IN_USE, nvml.ERROR_RESET_REQUIRED,
		nvml.ERROR_INSUFFICIENT_POWER, nvml.ERROR_NO_DATA, nvml.ERROR_UNINITIALIZED:
		pe.Kind = ProbeTransient
	case nvml.ERROR_GPU_IS_LOST, nvml.ERROR_NOT_FOUND:
		pe.Kind = ProbeTransient
		pe.DeviceLost = true
	}
	return pe
}
