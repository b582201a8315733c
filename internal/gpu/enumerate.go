package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Identity is the stable description of one enumerated device. Index is only
// meaningful within a single process run; key on UUID across scrapes.
type Identity struct {
	Index       int    `json:"index"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	MinorNumber int    `json:"minor_number"`
}

// UnavailableDevice records an index whose identity could not be resolved.
type UnavailableDevice struct {
	Index int
	Err   error
}

// EnumResult is the outcome of a successful Enumerate.
type EnumResult struct {
	Devices     []Identity
	Unavailable []UnavailableDevice
}

// Enumerate lists the devices visible to NVML and caches their handles on l.
// It fails only when the device count cannot be read; a device whose handle,
// UUID or name cannot be resolved is reported in Unavailable and skipped.
func Enumerate(l *Library) (EnumResult, error) {
	release, err := l.Acquire()
	if err != nil {
		return EnumResult{}, &EnumError{Err: err}
	}
	defer release()

	count, ret := l.iface.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return EnumResult{}, &EnumError{Err: ret}
	}

	res := EnumResult{Devices: make([]Identity, 0, count)}
	for i := 0; i < count; i++ {
		id, dev, err := resolveIdentity(l.iface, i)
		if err != nil {
			res.Unavailable = append(res.Unavailable, UnavailableDevice{Index: i, Err: err})
			continue
		}
		if !l.storeHandle(id.UUID, dev) {
			res.Unavailable = append(res.Unavailable, UnavailableDevice{
				Index: i,
				Err:   fmt.Errorf("duplicate uuid %s", id.UUID),
			})
			continue
		}
		res.Devices = append(res.Devices, id)
	}
	return res, nil
}

func resolveIdentity(iface nvml.Interface, index int) (Identity, nvml.Device, error) {
	dev, ret := iface.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return Identity{}, nil, fmt.Errorf("get handle: %w", ret)
	}
	uuid, ret := dev.GetUUID()
	if ret != nvml.SUCCESS {
		return Identity{}, nil, fmt.Errorf("get uuid: %w", ret)
	}
	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		return Identity{}, nil, fmt.Errorf("get name: %w", ret)
	}

	// Minor numbers only exist on Linux; absence is not fatal.
	minor, ret := dev.GetMinorNumber()
	if ret != nvml.SUCCESS {
		minor = -1
	}

	return Identity{Index: index, UUID: uuid, Name: name, MinorNumber: minor}, dev, nil
}
