// Package snapshot holds the immutable result of one collection pass.
package snapshot

import (
	"iter"
	"time"

	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/probe"
)

// Status is the outcome of one (device, probe) pair.
type Status int

const (
	StatusOK Status = iota
	StatusUnsupported
	StatusPermissionDenied
	StatusTransient
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupported:
		return "unsupported"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// MarshalText lets Status key JSON maps by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusFor maps a probe failure kind onto a sample status.
func StatusFor(kind gpu.ProbeKind) Status {
	switch kind {
	case gpu.ProbeUnsupported:
		return StatusUnsupported
	case gpu.ProbePermissionDenied:
		return StatusPermissionDenied
	case gpu.ProbeTransient:
		return StatusTransient
	default:
		return StatusUnknown
	}
}

// Sample is one (device, descriptor) entry. Value is meaningful only when
// Status is StatusOK.
type Sample struct {
	probe.Descriptor
	Device gpu.Identity
	Value  float64
	Status Status
}

// OK reports whether the sample carries a value.
func (s Sample) OK() bool { return s.Status == StatusOK }

// Snapshot is the immutable result of a single collection pass. Entries are
// ordered device-major in enumeration order, then probe-minor in catalog
// order.
type Snapshot struct {
	TakenAt  time.Time
	Duration time.Duration

	devices []gpu.Identity
	samples []Sample
}

// Samples yields the successful samples in order. Iteration is lazy and may
// be restarted.
func (s *Snapshot) Samples() iter.Seq[Sample] {
	return s.filter(true)
}

// Skipped yields the entries that produced no value, in order.
func (s *Snapshot) Skipped() iter.Seq[Sample] {
	return s.filter(false)
}

func (s *Snapshot) filter(ok bool) iter.Seq[Sample] {
	return func(yield func(Sample) bool) {
		for _, sample := range s.samples {
			if sample.OK() != ok {
				continue
			}
			if !yield(sample) {
				return
			}
		}
	}
}

// SkipSummary counts skipped entries by status. Only non-zero statuses are
// present; a snapshot with nothing skipped returns an empty map.
func (s *Snapshot) SkipSummary() map[Status]int {
	out := make(map[Status]int)
	for sample := range s.Skipped() {
		out[sample.Status]++
	}
	return out
}

// DeviceSkipSummary is SkipSummary restricted to one device.
func (s *Snapshot) DeviceSkipSummary(uuid string) map[Status]int {
	out := make(map[Status]int)
	for sample := range s.Skipped() {
		if sample.Device.UUID == uuid {
			out[sample.Status]++
		}
	}
	return out
}

// Len is the number of entries, successful or not.
func (s *Snapshot) Len() int { return len(s.samples) }

// Devices returns the devices the pass covered, in enumeration order.
func (s *Snapshot) Devices() []gpu.Identity {
	out := make([]gpu.Identity, len(s.devices))
	copy(out, s.devices)
	return out
}
