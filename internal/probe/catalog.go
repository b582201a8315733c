package probe

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Capabilities referenced by catalog entries.
const (
	CapCore    = "core"
	CapPower   = "power"
	CapFan     = "fan"
	CapClocks  = "clocks"
	CapEnergy  = "energy"
	CapECC     = "ecc"
	CapProcess = "process"
)

var catalog = []Probe{
	New(Descriptor{
		Name: "temperature_celsius", Help: "GPU core temperature.",
		Kind: Gauge, Unit: "celsius", Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		v, ret := d.GetTemperature(nvml.TEMPERATURE_GPU)
		return float64(v), ret
	}),
	New(Descriptor{
		Name: "power_usage_milliwatts", Help: "Power draw of the board.",
		Kind: Gauge, Unit: "milliwatts", Capability: CapPower,
	}, uint32Query(nvml.Device.GetPowerUsage)),
	New(Descriptor{
		Name: "power_limit_milliwatts", Help: "Power limit enforced by the driver.",
		Kind: Gauge, Unit: "milliwatts", Capability: CapPower,
	}, uint32Query(nvml.Device.GetEnforcedPowerLimit)),
	New(Descriptor{
		Name: "gpu_utilization", Help: "Percent of time a kernel was executing on the GPU over the last sample period.",
		Kind: Gauge, Unit: "percent", Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		u, ret := d.GetUtilizationRates()
		return float64(u.Gpu), ret
	}),
	New(Descriptor{
		Name: "memory_utilization", Help: "Percent of time device memory was being read or written over the last sample period.",
		Kind: Gauge, Unit: "percent", Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		u, ret := d.GetUtilizationRates()
		return float64(u.Memory), ret
	}),
	New(Descriptor{
		Name: "memory_total_bytes", Help: "Total installed framebuffer memory.",
		Kind: Gauge, Unit: "bytes", Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		m, ret := d.GetMemoryInfo()
		return float64(m.Total), ret
	}),
	New(Descriptor{
		Name: "memory_free_bytes", Help: "Unallocated framebuffer memory.",
		Kind: Gauge, Unit: "bytes", Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		m, ret := d.GetMemoryInfo()
		return float64(m.Free), ret
	}),
	New(Descriptor{
		Name: "memory_used_bytes", Help: "Allocated framebuffer memory.",
		Kind: Gauge, Unit: "bytes", Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		m, ret := d.GetMemoryInfo()
		return float64(m.Used), ret
	}),
	New(Descriptor{
		Name: "fanspeed_percent", Help: "Intended fan speed as a percent of maximum.",
		Kind: Gauge, Unit: "percent", Capability: CapFan,
	}, uint32Query(nvml.Device.GetFanSpeed)),
	New(Descriptor{
		Name: "clock_graphics_mhz", Help: "Current graphics clock.",
		Kind: Gauge, Unit: "mhz", Capability: CapClocks,
	}, clockQuery(nvml.CLOCK_GRAPHICS)),
	New(Descriptor{
		Name: "clock_sm_mhz", Help: "Current streaming multiprocessor clock.",
		Kind: Gauge, Unit: "mhz", Capability: CapClocks,
	}, clockQuery(nvml.CLOCK_SM)),
	New(Descriptor{
		Name: "clock_memory_mhz", Help: "Current memory clock.",
		Kind: Gauge, Unit: "mhz", Capability: CapClocks,
	}, clockQuery(nvml.CLOCK_MEM)),
	New(Descriptor{
		Name: "performance_state", Help: "Current performance state, 0 (max) to 15 (min).",
		Kind: Gauge, Capability: CapCore,
	}, func(d nvml.Device) (float64, nvml.Return) {
		p, ret := d.GetPerformanceState()
		if ret == nvml.SUCCESS && p == nvml.PSTATE_UNKNOWN {
			return 0, nvml.ERROR_NOT_SUPPORTED
		}
		return float64(p), ret
	}),
	New(Descriptor{
		Name: "energy_consumption_millijoules_total", Help: "Energy consumed since the driver was last loaded.",
		Kind: Counter, Unit: "millijoules", Capability: CapEnergy,
	}, func(d nvml.Device) (float64, nvml.Return) {
		v, ret := d.GetTotalEnergyConsumption()
		return float64(v), ret
	}),
	New(Descriptor{
		Name: "ecc_errors_corrected_total", Help: "Single bit ECC errors corrected since the last driver load.",
		Kind: Counter, Unit: "errors", Capability: CapECC,
	}, eccQuery(nvml.MEMORY_ERROR_TYPE_CORRECTED)),
	New(Descriptor{
		Name: "ecc_errors_uncorrected_total", Help: "Double bit ECC errors detected since the last driver load.",
		Kind: Counter, Unit: "errors", Capability: CapECC,
	}, eccQuery(nvml.MEMORY_ERROR_TYPE_UNCORRECTED)),
	New(Descriptor{
		Name: "processes_running", Help: "Number of compute processes with a context on the device.",
		Kind: Gauge, Unit: "processes", Capability: CapProcess,
	}, func(d nvml.Device) (float64, nvml.Return) {
		procs, ret := d.GetComputeRunningProcesses()
		return float64(len(procs)), ret
	}),
}

func uint32Query(fn func(nvml.Device) (uint32, nvml.Return)) func(nvml.Device) (float64, nvml.Return) {
	return func(d nvml.Device) (float64, nvml.Return) {
		v, ret := fn(d)
		return float64(v), ret
	}
}

func clockQuery(clock nvml.ClockType) func(nvml.Device) (float64, nvml.Return) {
	return func(d nvml.Device) (float64, nvml.Return) {
		v, ret := d.GetClockInfo(clock)
		return float64(v), ret
	}
}

func eccQuery(kind nvml.MemoryErrorType) func(nvml.Device) (float64, nvml.Return) {
	return func(d nvml.Device) (float64, nvml.Return) {
		v, ret := d.GetTotalEccErrors(kind, nvml.VOLATILE_ECC)
		return float64(v), ret
	}
}
