// Package probe declares the fixed catalog of per-device metrics and the NVML
// call behind each one.
//
// The catalog is a package-level table. Its declaration order is the output
// order of every snapshot, so adding an entry changes the position of nothing
// that precedes it.
package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
)

// Kind is the Prometheus metric type a descriptor is exposed as.
type Kind int

const (
	Gauge Kind = iota
	Counter
)

func (k Kind) String() string {
	if k == Counter {
		return "counter"
	}
	return "gauge"
}

// Descriptor is the static description of one metric.
type Descriptor struct {
	Name string
	Help string
	Kind Kind
	Unit string
	// Capability names the device feature the metric depends on. Devices
	// lacking it report the probe as unsupported rather than failing.
	Capability string
}

// Querier runs a single bounded read against a device. *gpu.Library
// satisfies it.
type Querier interface {
	Query(id gpu.Identity, op string, timeout time.Duration, fn gpu.QueryFunc) (float64, error)
}

// Probe pairs a Descriptor with the read that produces its value.
type Probe struct {
	Descriptor
	query gpu.QueryFunc
}

// New returns a probe for desc backed by fn.
func New(desc Descriptor, fn gpu.QueryFunc) Probe {
	return Probe{Descriptor: desc, query: fn}
}

// Query reads the probe's value for id through q.
func (p Probe) Query(q Querier, id gpu.Identity, timeout time.Duration) (float64, error) {
	return q.Query(id, p.Name, timeout, p.query)
}

// Catalog returns a copy of the full probe catalog in declaration order.
func Catalog() []Probe {
	out := make([]Probe, len(catalog))
	copy(out, catalog)
	return out
}

// Names returns the catalog's metric names in declaration order.
func Names() []string {
	names := make([]string, len(catalog))
	for i, p := range catalog {
		names[i] = p.Name
	}
	return names
}

// Select narrows all to the names in enabled, keeping the order of all.
// An empty enabled list selects everything. Unknown or repeated names are
// an error.
func Select(all []Probe, enabled []string) ([]Probe, error) {
	if len(enabled) == 0 {
		out := make([]Probe, len(all))
		copy(out, all)
		return out, nil
	}

	known := make(map[string]bool, len(all))
	for _, p := range all {
		known[p.Name] = true
	}

	want := make(map[string]bool, len(enabled))
	var unknown []string
	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !known[name] {
			unknown = append(unknown, name)
			continue
		}
		if want[name] {
			return nil, fmt.Errorf("probe: metric %q enabled more than once", name)
		}
		want[name] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("probe: unknown metrics: %s", strings.Join(unknown, ", "))
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("probe: no metrics enabled")
	}

	out := make([]Probe, 0, len(want))
	for _, p := range all {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}
