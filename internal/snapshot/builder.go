package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
)

// ErrDuplicateSample is returned by Add for a second entry with the same
// device UUID and metric name.
var ErrDuplicateSample = errors.New("snapshot: duplicate sample")

type sampleKey struct {
	uuid   string
	metric string
}

// Builder accumulates samples for one pass. It is not safe for concurrent
// use; the collector gives each device its own slot and appends the slots in
// device order.
type Builder struct {
	devices []gpu.Identity
	samples []Sample
	seen    map[sampleKey]struct{}
}

// NewBuilder returns a Builder for a pass over devices. sizeHint pre-sizes
// the sample slice.
func NewBuilder(devices []gpu.Identity, sizeHint int) *Builder {
	d := make([]gpu.Identity, len(devices))
	copy(d, devices)
	return &Builder{
		devices: d,
		samples: make([]Sample, 0, sizeHint),
		seen:    make(map[sampleKey]struct{}, sizeHint),
	}
}

// Add appends s. Non-OK samples have their value cleared.
func (b *Builder) Add(s Sample) error {
	k := sampleKey{uuid: s.Device.UUID, metric: s.Name}
	if _, dup := b.seen[k]; dup {
		return fmt.Errorf("%w: device %s metric %s", ErrDuplicateSample, s.Device.UUID, s.Name)
	}
	b.seen[k] = struct{}{}
	if !s.OK() {
		s.Value = 0
	}
	b.samples = append(b.samples, s)
	return nil
}

// Build returns the immutable snapshot. The Builder must not be used
// afterwards.
func (b *Builder) Build(takenAt time.Time, took time.Duration) *Snapshot {
	snap := &Snapshot{
		TakenAt:  takenAt,
		Duration: took,
		devices:  b.devices,
		samples:  b.samples,
	}
	b.samples = nil
	b.seen = nil
	return snap
}
