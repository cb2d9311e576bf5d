package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-aligner/internal/gpu"
	"github.com/fxnlabs/gpu-aligner/internal/kernel"
)

func newTestDevice(t *testing.T, opts ...gpu.CPUOption) gpu.Device {
	t.Helper()
	// A memory limit makes MemInfo track session allocations.
	opts = append([]gpu.CPUOption{gpu.WithMemoryLimit(1 << 30)}, opts...)
	backend := gpu.NewCPUBackend(zap.NewNop(), opts...)
	require.NoError(t, backend.Initialize())
	dev, err := backend.OpenDevice(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func dnaConfig() AlignmentConfig {
	return AlignmentConfig{
		Algorithm: kernel.Local,
		SeqType:   kernel.DNA,
		Scoring:   kernel.Scoring{Match: 1, Mismatch: -1, GapOpen: -2, GapExtend: -1},
	}
}

// gate blocks the session stream until the returned func is called.
func gate(t *testing.T, s *Session) func() {
	t.Helper()
	hf, ok := s.stream.(gpu.HostFuncStream)
	require.True(t, ok)
	ch := make(chan struct{})
	require.NoError(t, hf.EnqueueHostFunc(func() { <-ch }))
	return func() { close(ch) }
}

func assertNoDeviceMemoryHeld(t *testing.T, dev gpu.Device) {
	t.Helper()
	free, total, err := dev.MemInfo()
	require.NoError(t, err)
	require.Equal(t, total, free, "device memory still allocated")
}
