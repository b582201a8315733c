package snapshot

import (
	"fmt"
	"testing"
	"time"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/probe"
)

func benchDevices(n int) []gpu.Identity {
	out := make([]gpu.Identity, n)
	for i := range out {
		out[i] = gpu.Identity{Index: i, UUID: fmt.Sprintf("GPU-%04d", i), Name: "NVIDIA H100"}
	}
	return out
}

func BenchmarkBuildAndSummarize(b *testing.B) {
	devices := benchDevices(8)
	catalog := probe.Catalog()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		builder := NewBuilder(devices, len(devices)*len(catalog))
		for _, d := range devices {
			for j, p := range catalog {
				st := StatusOK
				if j%5 == 0 {
					st = StatusUnsupported
				}
				_ = builder.Add(Sample{Descriptor: p.Descriptor, Device: d, Value: float64(j), Status: st})
			}
		}
		snap := builder.Build(time.Now(), time.Millisecond)
		_ = ComputeSummary(snap)
	}
}
