package driver

import (
	"github.com/fxnlabs/gpu-aligner/internal/gpu"
)

// scoreElemSize is the size of one shared-memory score cell (int16).
const scoreElemSize = 2

// LaunchConfig is the geometry of one kernel launch.
type LaunchConfig struct {
	Grid           int
	Block          int
	SharedMemBytes int
	// Extended is set when SharedMemBytes exceeds the default per-block
	// limit and the kernel must be opted into extended shared memory.
	Extended bool
}

// Dims converts the configuration into launch dimensions.
func (c LaunchConfig) Dims() gpu.LaunchDims {
	return gpu.LaunchDims{Grid: c.Grid, Block: c.Block, SharedMemBytes: c.SharedMemBytes}
}

// RawSharedMemBytes is three rows of minSize+1 score cells.
func RawSharedMemBytes(minSize int) int {
	return 3 * (minSize + 1) * scoreElemSize
}

// SharedMemBytes pads the raw requirement to a 4-byte boundary with at least
// four bytes of slack.
func SharedMemBytes(minSize int) int {
	raw := RawSharedMemBytes(minSize)
	return raw + 4 + (4 - raw%4)
}

// ConfigureLaunch sizes a launch of jobs blocks for the observed maximum
// lengths of the batch. One thread runs per residue of the shorter side;
// devices cap that with WithThreadLimit.
func ConfigureLaunch(jobs, maxRefLen, maxQueryLen int) LaunchConfig {
	minSize := min(maxRefLen, maxQueryLen)
	shmem := SharedMemBytes(minSize)
	return LaunchConfig{
		Grid:           jobs,
		Block:          max(minSize, 1),
		SharedMemBytes: shmem,
		Extended:       shmem > gpu.DefaultSharedMemPerBlock,
	}
}

// WithThreadLimit caps Block at maxThreads. Shared memory stays sized for
// the shorter side. A non-positive maxThreads leaves c unchanged.
func (c LaunchConfig) WithThreadLimit(maxThreads int) LaunchConfig {
	if maxThreads > 0 && c.Block > maxThreads {
		c.Block = maxThreads
	}
	return c
}
