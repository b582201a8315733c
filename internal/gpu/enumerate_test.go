package gpu

import (
	stderrors "errors"
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpu-exporter/internal/gpu/gputest"
)

func TestEnumerate_ReturnsIdentitiesInIndexOrder(t *testing.T) {
	devices := gputest.Devices(3, "NVIDIA H100 80GB HBM3")
	lib := newTestLibrary(t, gputest.NewInterface(devices...))

	res, err := Enumerate(lib)
	require.NoError(t, err)
	assert.Empty(t, res.Unavailable)
	require.Len(t, res.Devices, 3)

	for i, id := range res.Devices {
		assert.Equal(t, i, id.Index)
		assert.Equal(t, gputest.UUIDs[i], id.UUID)
		assert.Equal(t, "NVIDIA H100 80GB HBM3", id.Name)
	}
}

func TestEnumerate_ZeroDevices(t *testing.T) {
	lib := newTestLibrary(t, gputest.NewInterface())

	res, err := Enumerate(lib)
	require.NoError(t, err)
	assert.Empty(t, res.Devices)
	assert.Empty(t, res.Unavailable)
}

func TestEnumerate_CountFailure(t *testing.T) {
	iface := gputest.NewInterface()
	iface.DeviceGetCountFunc = func() (int, nvml.Return) { return 0, nvml.ERROR_UNKNOWN }
	lib := newTestLibrary(t, iface)

	_, err := Enumerate(lib)
	var enumErr *EnumError
	require.True(t, stderrors.As(err, &enumErr))
	assert.ErrorIs(t, err, nvml.ERROR_UNKNOWN)
}

func TestEnumerate_UnresolvableDeviceIsSkipped(t *testing.T) {
	devices := gputest.Devices(3, "NVIDIA A100")
	devices[1].GetUUIDFunc = func() (string, nvml.Return) { return "", nvml.ERROR_GPU_IS_LOST }
	lib := newTestLibrary(t, gputest.NewInterface(devices...))

	res, err := Enumerate(lib)
	require.NoError(t, err)
	require.Len(t, res.Devices, 2)
	assert.Equal(t, gputest.UUIDs[0], res.Devices[0].UUID)
	assert.Equal(t, gputest.UUIDs[2], res.Devices[1].UUID)

	require.Len(t, res.Unavailable, 1)
	assert.Equal(t, 1, res.Unavailable[0].Index)
	assert.ErrorIs(t, res.Unavailable[0].Err, nvml.ERROR_GPU_IS_LOST)
}

func TestEnumerate_DuplicateUUIDIsSkipped(t *testing.T) {
	first := gputest.NewDevice(gputest.UUIDs[0], "NVIDIA A100")
	second := gputest.NewDevice(gputest.UUIDs[0], "NVIDIA A100")
	lib := newTestLibrary(t, gputest.NewInterface(first, second))

	res, err := Enumerate(lib)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	require.Len(t, res.Unavailable, 1)
	assert.Equal(t, 1, res.Unavailable[0].Index)
}

func TestEnumerate_MissingMinorNumber(t *testing.T) {
	dev := gputest.NewDevice(gputest.UUIDs[0], "NVIDIA A100")
	dev.GetMinorNumberFunc = func() (int, nvml.Return) { return 0, nvml.ERROR_NOT_SUPPORTED }
	lib := newTestLibrary(t, gputest.NewInterface(dev))

	res, err := Enumerate(lib)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, -1, res.Devices[0].MinorNumber)
}

func TestEnumerate_AfterShutdown(t *testing.T) {
	lib, err := Init(WithInterface(gputest.NewInterface()))
	require.NoError(t, err)
	require.NoError(t, lib.Shutdown())

	_, err = Enumerate(lib)
	assert.ErrorIs(t, err, ErrShutDown)
}
