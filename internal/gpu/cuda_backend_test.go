//go:build cuda

package gpu

import (
	"testing"

	"github.com/fxnlabs/gpu-aligner/internal/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openCUDADevice(t *testing.T) Device {
	t.Helper()
	backend := NewCUDABackend(zap.NewNop())
	if !backend.IsAvailable() {
		t.Skip("CUDA not available on this system")
	}
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Cleanup() })
	dev, err := backend.OpenDevice(0)
	require.NoError(t, err)
	return dev
}

func TestCUDABackend_Initialize(t *testing.T) {
	backend := NewCUDABackend(zap.NewNop())
	if !backend.IsAvailable() {
		t.Skip("CUDA not available on this system")
	}

	err := backend.Initialize()
	assert.NoError(t, err)
	assert.True(t, backend.initialized)

	info := backend.GetDeviceInfo()
	assert.NotEmpty(t, info.Name)
	assert.Greater(t, info.TotalMemory, int64(0))
	assert.NotEqual(t, "N/A", info.ComputeCapability)
	assert.GreaterOrEqual(t, info.SharedMemPerBlockOptin, info.SharedMemPerBlock)

	_, err = backend.OpenDevice(backend.DeviceCount())
	assert.ErrorIs(t, err, ErrInvalidDevice)

	assert.NoError(t, backend.Cleanup())
}

func TestCUDADevice_Alloc(t *testing.T) {
	dev := openCUDADevice(t)

	h, err := dev.MallocHost(0)
	require.NoError(t, err)
	require.NoError(t, h.Free())
	assert.ErrorIs(t, h.Free(), ErrInvalidValue)

	m, err := dev.Malloc(1 << 20)
	require.NoError(t, err)
	require.NoError(t, m.Free())
	assert.ErrorIs(t, m.Free(), ErrInvalidValue)

	_, total, err := dev.MemInfo()
	require.NoError(t, err)
	_, err = dev.Malloc(int(total) * 2)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
}

func TestCUDAStream_Launch(t *testing.T) {
	dev := openCUDADevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	host, err := dev.MallocHost(6 + 6 + 8 + 8)
	require.NoError(t, err)
	defer host.Free()
	hb := host.Bytes()
	copy(hb[0:6], "ACGTAC")
	copy(hb[6:12], "ACGGAC")
	// Offsets sit at 4-byte aligned positions in the pinned block.
	copy(Uint32s(hb[12:20]), []uint32{4, 6})

	upload := func(src []byte) DeviceMem {
		m, err := dev.Malloc(len(src))
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Free() })
		require.NoError(t, stream.CopyToDevice(m, src))
		return m
	}
	out := func() DeviceMem {
		m, err := dev.Malloc(4)
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Free() })
		return m
	}
	offs := upload(hb[12:20])
	args := KernelArgs{
		Refs: upload(hb[0:6]), Queries: upload(hb[6:12]),
		RefOffsets: offs, QueryOffsets: offs,
		Scores: out(), RefBegin: out(), RefEnd: out(), QueryBegin: out(), QueryEnd: out(),
		Scoring: kernel.Scoring{Match: 1, Mismatch: -1, GapOpen: -2, GapExtend: -1},
	}

	k := KernelID{Algorithm: kernel.Local, SeqType: kernel.DNA}
	require.NoError(t, stream.Launch(k, LaunchDims{Grid: 2, Block: 2, SharedMemBytes: 24}, args))
	ev, err := stream.Record()
	require.NoError(t, err)
	defer ev.Destroy()

	scores := hb[20:24]
	require.NoError(t, stream.CopyToHost(scores, args.Scores))
	require.NoError(t, stream.Synchronize())

	done, err := ev.Query()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []int16{3, 2}, Int16s(scores))
}
