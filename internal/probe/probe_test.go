package probe

import (
	"testing"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/gpu/gputest"
)

// directQuerier runs probe reads against a device without a Library.
type directQuerier struct {
	dev nvml.Device
}

func (q directQuerier) Query(_ gpu.Identity, _ string, _ time.Duration, fn gpu.QueryFunc) (float64, error) {
	v, ret := fn(q.dev)
	if ret != nvml.SUCCESS {
		return 0, ret
	}
	return v, nil
}

func TestCatalog_NamesUniqueAndOrdered(t *testing.T) {
	names := Names()
	require.Len(t, names, 17)
	assert.Equal(t, "temperature_celsius", names[0])
	assert.Equal(t, "processes_running", names[len(names)-1])

	seen := make(map[string]bool)
	for _, n := range names {
		assert.False(t, seen[n], "duplicate catalog entry %s", n)
		seen[n] = true
	}
}

func TestCatalog_CountersAreSuffixedTotal(t *testing.T) {
	for _, p := range Catalog() {
		if p.Kind == Counter {
			assert.Regexp(t, `_total$`, p.Name)
		}
		assert.NotEmpty(t, p.Help, p.Name)
		assert.NotEmpty(t, p.Capability, p.Name)
	}
}

func TestCatalog_ReturnsCopy(t *testing.T) {
	c := Catalog()
	c[0].Name = "mutated"
	assert.Equal(t, "temperature_celsius", Catalog()[0].Name)
}

func TestCatalog_ReadsDefaultDevice(t *testing.T) {
	q := directQuerier{dev: gputest.NewDevice(gputest.UUIDs[0], "NVIDIA A100")}

	want := map[string]float64{
		"temperature_celsius":                  gputest.Temperature,
		"power_usage_milliwatts":               gputest.PowerUsage,
		"power_limit_milliwatts":               gputest.PowerLimit,
		"gpu_utilization":                      gputest.GPUUtilization,
		"memory_utilization":                   gputest.MemUtilization,
		"memory_total_bytes":                   gputest.MemoryTotal,
		"memory_free_bytes":                    gputest.MemoryTotal - gputest.MemoryUsed,
		"memory_used_bytes":                    gputest.MemoryUsed,
		"fanspeed_percent":                     gputest.FanSpeed,
		"clock_graphics_mhz":                   gputest.ClockGraphics,
		"clock_sm_mhz":                         gputest.ClockSM,
		"clock_memory_mhz":                     gputest.ClockMemory,
		"performance_state":                    0,
		"energy_consumption_millijoules_total": gputest.Energy,
		"ecc_errors_corrected_total":           gputest.EccCorrected,
		"ecc_errors_uncorrected_total":         gputest.EccUncorrected,
		"processes_running":                    gputest.RunningProcesses,
	}

	for _, p := range Catalog() {
		t.Run(p.Name, func(t *testing.T) {
			v, err := p.Query(q, gpu.Identity{}, time.Second)
			require.NoError(t, err)
			assert.InDelta(t, want[p.Name], v, 0.001)
		})
	}
}

func TestPerformanceState_UnknownIsUnsupported(t *testing.T) {
	dev := gputest.NewDevice(gputest.UUIDs[0], "NVIDIA A100")
	dev.GetPerformanceStateFunc = func() (nvml.Pstates, nvml.Return) { return nvml.PSTATE_UNKNOWN, nvml.SUCCESS }

	sel, err := Select(Catalog(), []string{"performance_state"})
	require.NoError(t, err)
	require.Len(t, sel, 1)

	_, err = sel[0].Query(directQuerier{dev: dev}, gpu.Identity{}, time.Second)
	assert.ErrorIs(t, err, nvml.ERROR_NOT_SUPPORTED)
}

func TestSelect(t *testing.T) {
	all := Catalog()

	tests := []struct {
		name    string
		enabled []string
		want    []string
		wantErr string
	}{
		{
			name: "empty selects all",
			want: Names(),
		},
		{
			name:    "keeps catalog order",
			enabled: []string{"fanspeed_percent", "temperature_celsius"},
			want:    []string{"temperature_celsius", "fanspeed_percent"},
		},
		{
			name:    "trims whitespace",
			enabled: []string{" power_usage_milliwatts "},
			want:    []string{"power_usage_milliwatts"},
		},
		{
			name:    "unknown name",
			enabled: []string{"temperature_celsius", "bogus"},
			wantErr: "unknown metrics: bogus",
		},
		{
			name:    "duplicate name",
			enabled: []string{"temperature_celsius", "temperature_celsius"},
			wantErr: "more than once",
		},
		{
			name:    "only blanks",
			enabled: []string{" ", ""},
			wantErr: "no metrics enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(all, tt.enabled)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			names := make([]string, len(got))
			for i, p := range got {
				names[i] = p.Name
			}
			assert.Equal(t, tt.want, names)
		})
	}
}
