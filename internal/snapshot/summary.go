package snapshot

import (
	"time"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
)

// DeviceSummary is the per-device part of a Summary.
type DeviceSummary struct {
	gpu.Identity
	OKCount      int            `json:"ok_count"`
	Skipped      map[Status]int `json:"skipped,omitempty"`
	TemperatureC *float64       `json:"temperature_celsius,omitempty"`
	Utilization  *float64       `json:"gpu_utilization,omitempty"`
}

// Summary is the debug view of one snapshot.
type Summary struct {
	TakenAt          time.Time       `json:"taken_at"`
	DurationSeconds  float64         `json:"duration_seconds"`
	DeviceCount      int             `json:"device_count"`
	SampleCount      int             `json:"sample_count"`
	OKCount          int             `json:"ok_count"`
	Skipped          map[Status]int  `json:"skipped"`
	AvgGPUUtil       *float64        `json:"avg_gpu_utilization,omitempty"`
	TotalMemoryUsed  *float64        `json:"total_memory_used_bytes,omitempty"`
	TotalMemoryTotal *float64        `json:"total_memory_total_bytes,omitempty"`
	Devices          []DeviceSummary `json:"devices"`
}

// ComputeSummary calculates counts and fleet totals from a snapshot.
func ComputeSummary(snap *Snapshot) Summary {
	s := Summary{
		TakenAt:         snap.TakenAt,
		DurationSeconds: snap.Duration.Seconds(),
		DeviceCount:     len(snap.devices),
		SampleCount:     snap.Len(),
		Skipped:         snap.SkipSummary(),
		Devices:         make([]DeviceSummary, len(snap.devices)),
	}

	index := make(map[string]int, len(snap.devices))
	for i, id := range snap.devices {
		index[id.UUID] = i
		s.Devices[i] = DeviceSummary{Identity: id}
	}

	var (
		utilSum, memUsedSum, memTotalSum       float64
		utilCount, memUsedCount, memTotalCount int
	)
	for sample := range snap.Samples() {
		s.OKCount++
		i, ok := index[sample.Device.UUID]
		if !ok {
			continue
		}
		d := &s.Devices[i]
		d.OKCount++

		v := sample.Value
		switch sample.Name {
		case "temperature_celsius":
			d.TemperatureC = &v
		case "gpu_utilization":
			d.Utilization = &v
			utilSum += v
			utilCount++
		case "memory_used_bytes":
			memUsedSum += v
			memUsedCount++
		case "memory_total_bytes":
			memTotalSum += v
			memTotalCount++
		}
	}

	for i := range s.Devices {
		if skipped := snap.DeviceSkipSummary(s.Devices[i].UUID); len(skipped) > 0 {
			s.Devices[i].Skipped = skipped
		}
	}

	if utilCount > 0 {
		avg := utilSum / float64(utilCount)
		s.AvgGPUUtil = &avg
	}
	if memUsedCount > 0 {
		s.TotalMemoryUsed = &memUsedSum
	}
	if memTotalCount > 0 {
		s.TotalMemoryTotal = &memTotalSum
	}

	return s
}
