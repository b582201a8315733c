package snapshot

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/probe"
)

var (
	devA = gpu.Identity{Index: 0, UUID: "GPU-a", Name: "NVIDIA A100"}
	devB = gpu.Identity{Index: 1, UUID: "GPU-b", Name: "NVIDIA A100"}
)

func sample(dev gpu.Identity, name string, v float64, st Status) Sample {
	return Sample{
		Descriptor: probe.Descriptor{Name: name, Kind: probe.Gauge},
		Device:     dev,
		Value:      v,
		Status:     st,
	}
}

func buildSnapshot(t *testing.T, devices []gpu.Identity, samples ...Sample) *Snapshot {
	t.Helper()
	b := NewBuilder(devices, len(samples))
	for _, s := range samples {
		require.NoError(t, b.Add(s))
	}
	return b.Build(time.Unix(1700000000, 0), 25*time.Millisecond)
}

func TestSnapshot_SamplesYieldOnlyOKInOrder(t *testing.T) {
	snap := buildSnapshot(t, []gpu.Identity{devA, devB},
		sample(devA, "temperature_celsius", 65, StatusOK),
		sample(devA, "power_usage_milliwatts", 0, StatusPermissionDenied),
		sample(devB, "temperature_celsius", 70, StatusOK),
		sample(devB, "power_usage_milliwatts", 300000, StatusOK),
	)

	var got []string
	for s := range snap.Samples() {
		got = append(got, s.Device.UUID+"/"+s.Name)
	}
	assert.Equal(t, []string{
		"GPU-a/temperature_celsius",
		"GPU-b/temperature_celsius",
		"GPU-b/power_usage_milliwatts",
	}, got)
	assert.Equal(t, 4, snap.Len())
}

func TestSnapshot_SamplesRestartable(t *testing.T) {
	snap := buildSnapshot(t, []gpu.Identity{devA},
		sample(devA, "temperature_celsius", 65, StatusOK),
		sample(devA, "fanspeed_percent", 30, StatusOK),
	)

	first := slices.Collect(snap.Samples())
	second := slices.Collect(snap.Samples())
	assert.Equal(t, first, second)

	// Early break stops the iteration.
	n := 0
	for range snap.Samples() {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSnapshot_SkippedHasNoValue(t *testing.T) {
	snap := buildSnapshot(t, []gpu.Identity{devA},
		sample(devA, "ecc_errors_corrected_total", 42, StatusUnsupported),
	)

	skipped := slices.Collect(snap.Skipped())
	require.Len(t, skipped, 1)
	assert.Equal(t, StatusUnsupported, skipped[0].Status)
	assert.Zero(t, skipped[0].Value)
	assert.Empty(t, slices.Collect(snap.Samples()))
}

func TestSnapshot_SkipSummary(t *testing.T) {
	snap := buildSnapshot(t, []gpu.Identity{devA, devB},
		sample(devA, "temperature_celsius", 65, StatusOK),
		sample(devA, "ecc_errors_corrected_total", 0, StatusUnsupported),
		sample(devA, "ecc_errors_uncorrected_total", 0, StatusUnsupported),
		sample(devB, "temperature_celsius", 0, StatusTransient),
	)

	assert.Equal(t, map[Status]int{StatusUnsupported: 2, StatusTransient: 1}, snap.SkipSummary())
	assert.Equal(t, map[Status]int{StatusUnsupported: 2}, snap.DeviceSkipSummary(devA.UUID))
	assert.Equal(t, map[Status]int{StatusTransient: 1}, snap.DeviceSkipSummary(devB.UUID))
	assert.Empty(t, snap.DeviceSkipSummary("GPU-missing"))
}

func TestSnapshot_ZeroDevices(t *testing.T) {
	snap := buildSnapshot(t, nil)

	assert.Zero(t, snap.Len())
	assert.Empty(t, snap.Devices())
	assert.Empty(t, slices.Collect(snap.Samples()))
	assert.NotNil(t, snap.SkipSummary())
	assert.Empty(t, snap.SkipSummary())
}

func TestBuilder_RejectsDuplicate(t *testing.T) {
	b := NewBuilder([]gpu.Identity{devA}, 2)
	require.NoError(t, b.Add(sample(devA, "temperature_celsius", 65, StatusOK)))

	err := b.Add(sample(devA, "temperature_celsius", 66, StatusOK))
	assert.ErrorIs(t, err, ErrDuplicateSample)

	// Same metric on a different device is fine.
	require.NoError(t, b.Add(sample(devB, "temperature_celsius", 66, StatusOK)))
}

func TestSnapshot_DevicesIsCopy(t *testing.T) {
	snap := buildSnapshot(t, []gpu.Identity{devA})
	d := snap.Devices()
	d[0].UUID = "mutated"
	assert.Equal(t, devA.UUID, snap.Devices()[0].UUID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusUnsupported, StatusFor(gpu.ProbeUnsupported))
	assert.Equal(t, StatusPermissionDenied, StatusFor(gpu.ProbePermissionDenied))
	assert.Equal(t, StatusTransient, StatusFor(gpu.ProbeTransient))
	assert.Equal(t, StatusUnknown, StatusFor(gpu.ProbeUnknown))
}

func TestStatus_MarshalsAsMapKey(t *testing.T) {
	out, err := json.Marshal(map[Status]int{StatusPermissionDenied: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"permission_denied":1}`, string(out))
}
