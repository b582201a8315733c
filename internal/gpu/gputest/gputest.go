// Package gputest builds NVML mocks with every call the probe catalog makes
// already answered, so tests only override what they exercise.
package gputest

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/NVIDIA/go-nvml/pkg/nvml/mock"
)

// UUIDs are stable device UUIDs for tests.
var UUIDs = []string{
	"GPU-6d7b0ec5-6e1a-4c8e-9c3a-1b0b3f1e0001",
	"GPU-6d7b0ec5-6e1a-4c8e-9c3a-1b0b3f1e0002",
	"GPU-6d7b0ec5-6e1a-4c8e-9c3a-1b0b3f1e0003",
	"GPU-6d7b0ec5-6e1a-4c8e-9c3a-1b0b3f1e0004",
}

// Default readings returned by NewDevice.
const (
	Temperature      = 65
	PowerUsage       = 250000
	PowerLimit       = 400000
	GPUUtilization   = 42
	MemUtilization   = 17
	MemoryTotal      = 80 * 1024 * 1024 * 1024
	MemoryUsed       = 32 * 1024 * 1024 * 1024
	FanSpeed         = 30
	ClockGraphics    = 1410
	ClockSM          = 1410
	ClockMemory      = 1593
	Energy           = 123456789
	EccCorrected     = 3
	EccUncorrected   = 0
	RunningProcesses = 2
	DriverVersion    = "550.54.15"
	NVMLVersion      = "12.550.54.15"
)

// DeviceOption customizes a mock device.
type DeviceOption func(*mock.Device)

// NewDevice returns a mock device that answers every catalog query.
func NewDevice(uuid, name string, opts ...DeviceOption) *mock.Device {
	d := &mock.Device{
		GetUUIDFunc:        func() (string, nvml.Return) { return uuid, nvml.SUCCESS },
		GetNameFunc:        func() (string, nvml.Return) { return name, nvml.SUCCESS },
		GetMinorNumberFunc: func() (int, nvml.Return) { return 0, nvml.SUCCESS },
		GetTemperatureFunc: func(nvml.TemperatureSensors) (uint32, nvml.Return) {
			return Temperature, nvml.SUCCESS
		},
		GetPowerUsageFunc:         func() (uint32, nvml.Return) { return PowerUsage, nvml.SUCCESS },
		GetEnforcedPowerLimitFunc: func() (uint32, nvml.Return) { return PowerLimit, nvml.SUCCESS },
		GetUtilizationRatesFunc: func() (nvml.Utilization, nvml.Return) {
			return nvml.Utilization{Gpu: GPUUtilization, Memory: MemUtilization}, nvml.SUCCESS
		},
		GetMemoryInfoFunc: func() (nvml.Memory, nvml.Return) {
			return nvml.Memory{Total: MemoryTotal, Used: MemoryUsed, Free: MemoryTotal - MemoryUsed}, nvml.SUCCESS
		},
		GetFanSpeedFunc: func() (uint32, nvml.Return) { return FanSpeed, nvml.SUCCESS },
		GetClockInfoFunc: func(clock nvml.ClockType) (uint32, nvml.Return) {
			switch clock {
			case nvml.CLOCK_GRAPHICS:
				return ClockGraphics, nvml.SUCCESS
			case nvml.CLOCK_SM:
				return ClockSM, nvml.SUCCESS
			case nvml.CLOCK_MEM:
				return ClockMemory, nvml.SUCCESS
			}
			return 0, nvml.ERROR_NOT_SUPPORTED
		},
		GetPerformanceStateFunc:       func() (nvml.Pstates, nvml.Return) { return nvml.PSTATE_0, nvml.SUCCESS },
		GetTotalEnergyConsumptionFunc: func() (uint64, nvml.Return) { return Energy, nvml.SUCCESS },
		GetTotalEccErrorsFunc: func(kind nvml.MemoryErrorType, _ nvml.EccCounterType) (uint64, nvml.Return) {
			if kind == nvml.MEMORY_ERROR_TYPE_CORRECTED {
				return EccCorrected, nvml.SUCCESS
			}
			return EccUncorrected, nvml.SUCCESS
		},
		GetComputeRunningProcessesFunc: func() ([]nvml.ProcessInfo, nvml.Return) {
			return make([]nvml.ProcessInfo, RunningProcesses), nvml.SUCCESS
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithTemperature overrides the GPU temperature reading.
func WithTemperature(v uint32, ret nvml.Return) DeviceOption {
	return func(d *mock.Device) {
		d.GetTemperatureFunc = func(nvml.TemperatureSensors) (uint32, nvml.Return) { return v, ret }
	}
}

// WithPowerUsage overrides the power draw reading.
func WithPowerUsage(v uint32, ret nvml.Return) DeviceOption {
	return func(d *mock.Device) {
		d.GetPowerUsageFunc = func() (uint32, nvml.Return) { return v, ret }
	}
}

// WithEccErrors overrides both ECC counters with the same return code.
func WithEccErrors(v uint64, ret nvml.Return) DeviceOption {
	return func(d *mock.Device) {
		d.GetTotalEccErrorsFunc = func(nvml.MemoryErrorType, nvml.EccCounterType) (uint64, nvml.Return) {
			return v, ret
		}
	}
}

// WithFanSpeed overrides the fan reading.
func WithFanSpeed(v uint32, ret nvml.Return) DeviceOption {
	return func(d *mock.Device) {
		d.GetFanSpeedFunc = func() (uint32, nvml.Return) { return v, ret }
	}
}

// NewInterface returns a mock NVML binding exposing devices in order.
func NewInterface(devices ...*mock.Device) *mock.Interface {
	return &mock.Interface{
		InitFunc:     func() nvml.Return { return nvml.SUCCESS },
		ShutdownFunc: func() nvml.Return { return nvml.SUCCESS },
		DeviceGetCountFunc: func() (int, nvml.Return) {
			return len(devices), nvml.SUCCESS
		},
		DeviceGetHandleByIndexFunc: func(i int) (nvml.Device, nvml.Return) {
			if i < 0 || i >= len(devices) {
				return nil, nvml.ERROR_INVALID_ARGUMENT
			}
			return devices[i], nvml.SUCCESS
		},
		SystemGetDriverVersionFunc: func() (string, nvml.Return) { return DriverVersion, nvml.SUCCESS },
		SystemGetNVMLVersionFunc:   func() (string, nvml.Return) { return NVMLVersion, nvml.SUCCESS },
	}
}

// Devices builds n default devices using UUIDs in order.
func Devices(n int, name string) []*mock.Device {
	out := make([]*mock.Device, n)
	for i := range out {
		out[i] = NewDevice(UUIDs[i], name)
	}
	return out
}
