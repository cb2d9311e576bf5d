package gpu

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/fxnlabs/gpu-aligner/internal/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openCPUDevice(t *testing.T, opts ...CPUOption) Device {
	t.Helper()
	backend := NewCPUBackend(zap.NewNop(), opts...)
	require.NoError(t, backend.Initialize())
	dev, err := backend.OpenDevice(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestCPUBackend_Initialize(t *testing.T) {
	backend := NewCPUBackend(zap.NewNop())

	// CPU backend should always be available
	assert.True(t, backend.IsAvailable())

	_, err := backend.OpenDevice(0)
	assert.Error(t, err, "open before initialize")

	// Test initialization
	err = backend.Initialize()
	assert.NoError(t, err)
	assert.True(t, backend.initialized)

	// Test device info
	info := backend.GetDeviceInfo()
	assert.Contains(t, info.Name, "CPU")
	assert.Greater(t, info.TotalMemory, int64(0))
	assert.Equal(t, "N/A", info.ComputeCapability)
	assert.Equal(t, DefaultSharedMemPerBlock, info.SharedMemPerBlock)

	// Test double initialization (should be idempotent)
	err = backend.Initialize()
	assert.NoError(t, err)

	// Cleanup
	err = backend.Cleanup()
	assert.NoError(t, err)
	assert.False(t, backend.initialized)
}

func TestCPUBackend_OpenDevice(t *testing.T) {
	backend := NewCPUBackend(zap.NewNop(), WithDeviceCount(2))
	require.NoError(t, backend.Initialize())

	d0, err := backend.OpenDevice(0)
	require.NoError(t, err)
	d1, err := backend.OpenDevice(1)
	require.NoError(t, err)
	assert.Equal(t, 0, d0.ID())
	assert.Equal(t, 1, d1.ID())

	_, err = backend.OpenDevice(2)
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, err = backend.OpenDevice(-1)
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestCPUDevice_MemoryLimit(t *testing.T) {
	dev := openCPUDevice(t, WithMemoryLimit(1024))

	a, err := dev.Malloc(1000)
	require.NoError(t, err)

	free, total, err := dev.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), total)
	assert.Equal(t, int64(24), free)

	_, err = dev.Malloc(100)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)

	require.NoError(t, a.Free())
	assert.ErrorIs(t, a.Free(), ErrInvalidValue, "double free is reported")

	b, err := dev.Malloc(1024)
	require.NoError(t, err)
	require.NoError(t, b.Free())
}

func TestCPUDevice_MallocHost(t *testing.T) {
	dev := openCPUDevice(t)

	h, err := dev.MallocHost(4096)
	require.NoError(t, err)
	b := h.Bytes()
	require.Len(t, b, 4096)
	b[0], b[4095] = 1, 2
	require.NoError(t, h.Free())
	assert.ErrorIs(t, h.Free(), ErrInvalidValue)

	empty, err := dev.MallocHost(0)
	require.NoError(t, err)
	assert.Empty(t, empty.Bytes())
	require.NoError(t, empty.Free())

	_, err = dev.MallocHost(-1)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCPUStream_CopyRoundTrip(t *testing.T) {
	dev := openCPUDevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	host, err := dev.MallocHost(16)
	require.NoError(t, err)
	defer host.Free()
	dmem, err := dev.Malloc(16)
	require.NoError(t, err)
	defer dmem.Free()

	copy(host.Bytes(), "0123456789abcdef")
	require.NoError(t, stream.CopyToDevice(dmem, host.Bytes()))
	out := make([]byte, 16)
	require.NoError(t, stream.CopyToHost(out, dmem))
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, "0123456789abcdef", string(out))

	err = stream.CopyToDevice(dmem, make([]byte, 17))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCPUStream_EventOrdering(t *testing.T) {
	dev := openCPUDevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	gate := make(chan struct{})
	hf, ok := stream.(HostFuncStream)
	require.True(t, ok)
	require.NoError(t, hf.EnqueueHostFunc(func() { <-gate }))

	ev, err := stream.Record()
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		done, err := ev.Query()
		require.NoError(t, err)
		assert.False(t, done, "event must not complete while the stream is gated")
	}
	idle, err := stream.Query()
	require.NoError(t, err)
	assert.False(t, idle)

	close(gate)
	require.NoError(t, ev.Synchronize())
	done, err := ev.Query()
	require.NoError(t, err)
	assert.True(t, done)

	// Completed events stay complete.
	var ran atomic.Bool
	require.NoError(t, hf.EnqueueHostFunc(func() { ran.Store(true) }))
	done, err = ev.Query()
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, stream.Synchronize())
	assert.True(t, ran.Load())
}

func TestCPUStream_Launch(t *testing.T) {
	dev := openCPUDevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	upload := func(data []byte) DeviceMem {
		m, err := dev.Malloc(len(data))
		require.NoError(t, err)
		require.NoError(t, stream.CopyToDevice(m, data))
		return m
	}
	offsets := make([]byte, 8)
	copy(Uint32s(offsets), []uint32{4, 6})

	args := KernelArgs{
		Refs:         upload([]byte("ACGTAC")),
		Queries:      upload([]byte("ACGGAC")),
		RefOffsets:   upload(offsets),
		QueryOffsets: upload(offsets),
		Scoring:      kernel.Scoring{Match: 1, Mismatch: -1, GapOpen: -2, GapExtend: -1},
	}
	for _, dst := range []*DeviceMem{&args.Scores, &args.RefBegin, &args.RefEnd, &args.QueryBegin, &args.QueryEnd} {
		m, err := dev.Malloc(4)
		require.NoError(t, err)
		*dst = m
	}

	k := KernelID{Algorithm: kernel.Local, SeqType: kernel.DNA}
	require.NoError(t, stream.Launch(k, LaunchDims{Grid: 2, Block: 2, SharedMemBytes: 24}, args))

	scores := make([]byte, 4)
	require.NoError(t, stream.CopyToHost(scores, args.Scores))
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, []int16{3, 2}, Int16s(scores))

	t.Run("shared memory above default needs opt-in", func(t *testing.T) {
		dims := LaunchDims{Grid: 2, Block: 2, SharedMemBytes: DefaultSharedMemPerBlock + 4}
		err := stream.Launch(k, dims, args)
		assert.ErrorIs(t, err, ErrLaunchOutOfResources)

		require.NoError(t, dev.SetMaxDynamicSharedMemory(k, dims.SharedMemBytes))
		require.NoError(t, stream.Launch(k, dims, args))
		require.NoError(t, stream.Synchronize())
	})

	t.Run("opt-in beyond device maximum", func(t *testing.T) {
		err := dev.SetMaxDynamicSharedMemory(k, cpuSharedMemPerBlockOptin+1)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("invalid geometry", func(t *testing.T) {
		err := stream.Launch(k, LaunchDims{Grid: 1, Block: 0}, args)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestCPUStream_StickyError(t *testing.T) {
	dev := openCPUDevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	small, err := dev.Malloc(4)
	require.NoError(t, err)
	// Offsets point past the packed buffer, so the kernel fails on the stream.
	offsets := make([]byte, 4)
	Uint32s(offsets)[0] = 100
	offs, err := dev.Malloc(4)
	require.NoError(t, err)
	require.NoError(t, stream.CopyToDevice(offs, offsets))

	args := KernelArgs{Refs: small, Queries: small, RefOffsets: offs, QueryOffsets: offs,
		Scores: small, RefBegin: small, RefEnd: small, QueryBegin: small, QueryEnd: small}
	require.NoError(t, stream.Launch(KernelID{}, LaunchDims{Grid: 1, Block: 1}, args))

	err = stream.Synchronize()
	require.Error(t, err)
	_, err = stream.Query()
	assert.Error(t, err)
	assert.Error(t, stream.CopyToDevice(small, []byte{1}), "stream stays faulted")
}

func TestCPUStream_Destroy(t *testing.T) {
	dev := openCPUDevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)

	var ran atomic.Int32
	hf := stream.(HostFuncStream)
	for i := 0; i < 10; i++ {
		require.NoError(t, hf.EnqueueHostFunc(func() { ran.Add(1) }))
	}
	require.NoError(t, stream.Destroy())
	assert.Equal(t, int32(10), ran.Load(), "destroy drains queued work")
	require.NoError(t, stream.Destroy())

	err = hf.EnqueueHostFunc(func() {})
	assert.True(t, errors.Is(err, ErrStreamDestroyed))
	_, err = stream.Record()
	assert.ErrorIs(t, err, ErrStreamDestroyed)
}
