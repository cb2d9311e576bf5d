package gpu

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/gpu-aligner/internal/kernel"
)

// DeviceInfo contains information about the GPU device
type DeviceInfo struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	TotalMemory       int64  `json:"totalMemory"`     // in bytes
	AvailableMemory   int64  `json:"availableMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
	CUDAVersion       string `json:"cudaVersion,omitempty"`

	MaxThreadsPerBlock int `json:"maxThreadsPerBlock"`
	// SharedMemPerBlock is the dynamic shared memory a kernel may use without
	// opting in. SharedMemPerBlockOptin is the ceiling after opting in.
	SharedMemPerBlock      int `json:"sharedMemPerBlock"`
	SharedMemPerBlockOptin int `json:"sharedMemPerBlockOptin"`
}

// DefaultSharedMemPerBlock is the dynamic shared memory limit every kernel
// starts with.
const DefaultSharedMemPerBlock = 48000

var (
	ErrNotAvailable         = errors.New("backend not available")
	ErrInvalidDevice        = errors.New("invalid device ordinal")
	ErrInvalidValue         = errors.New("invalid argument")
	ErrOutOfDeviceMemory    = errors.New("out of device memory")
	ErrOutOfHostMemory      = errors.New("out of pinned host memory")
	ErrLaunchOutOfResources = errors.New("too many resources requested for launch")
	ErrStreamDestroyed      = errors.New("stream destroyed")
	ErrDeviceClosed         = errors.New("device closed")
)

// GPUBackend defines the interface for GPU compute backends
// This interface allows for multiple GPU implementations (CUDA, CPU emulation)
// and provides a consistent asynchronous runtime for batched alignment.
//
// Implementation notes:
// - Devices are explicit handles; there is no process-wide current device
// - Automatic fallback to CPU should be handled by the Manager, not the backend
// - Every allocation handed out by a Device must be freed exactly once
type GPUBackend interface {
	// IsAvailable checks if the backend is available for use
	// This should perform a quick check without heavy initialization
	IsAvailable() bool

	// Initialize prepares the backend for use. Idempotent.
	Initialize() error

	// Cleanup releases any resources held by the backend
	Cleanup() error

	// GetDeviceInfo returns information about device 0
	GetDeviceInfo() DeviceInfo

	// DeviceCount returns the number of devices the backend can open
	DeviceCount() int

	// OpenDevice binds a handle to one device. Handles are independent of
	// each other and may be used from different goroutines concurrently.
	OpenDevice(id int) (Device, error)
}

// Device is one accelerator. A Device is not safe for concurrent use by
// multiple owners unless stated otherwise by the implementation.
type Device interface {
	ID() int
	Info() DeviceInfo

	// MemInfo reports free and total device memory in bytes.
	MemInfo() (free, total int64, err error)

	// MallocHost allocates page-locked host memory usable as the source or
	// destination of asynchronous copies.
	MallocHost(size int) (HostMem, error)

	// Malloc allocates device memory.
	Malloc(size int) (DeviceMem, error)

	// NewStream creates an in-order asynchronous execution queue.
	NewStream() (Stream, error)

	// SetMaxDynamicSharedMemory opts kernel k into using up to bytes of
	// dynamic shared memory per block.
	SetMaxDynamicSharedMemory(k KernelID, bytes int) error

	Close() error
}

// HostMem is a pinned host allocation.
type HostMem interface {
	Bytes() []byte
	Free() error
}

// DeviceMem is an opaque device allocation.
type DeviceMem interface {
	Len() int
	Free() error
}

// Stream is an ordered queue of device operations. Enqueue methods return as
// soon as the operation is queued; failures during execution surface from
// Query, Synchronize and any later enqueue.
type Stream interface {
	// CopyToDevice copies len(src) bytes of pinned host memory into dst.
	// src must not be modified until the copy has completed.
	CopyToDevice(dst DeviceMem, src []byte) error

	// CopyToHost copies len(dst) bytes from src into pinned host memory.
	// dst must not be read until the copy has completed.
	CopyToHost(dst []byte, src DeviceMem) error

	// Launch enqueues the alignment kernel.
	Launch(k KernelID, dims LaunchDims, args KernelArgs) error

	// Record enqueues a marker that completes once everything queued before
	// it has completed.
	Record() (Event, error)

	// Query reports whether all queued work has completed without blocking.
	Query() (bool, error)

	// Synchronize blocks until all queued work has completed.
	Synchronize() error

	// Destroy waits for queued work and releases the stream. Idempotent.
	Destroy() error
}

// HostFuncStream is implemented by streams that can run a host callback in
// stream order.
type HostFuncStream interface {
	EnqueueHostFunc(fn func()) error
}

// Event marks a point in a stream.
type Event interface {
	Query() (bool, error)
	Synchronize() error
	Destroy() error
}

// KernelID names one compiled variant of the alignment kernel.
type KernelID struct {
	Algorithm kernel.Algorithm
	SeqType   kernel.SeqType
}

func (k KernelID) String() string {
	return fmt.Sprintf("%s_%s_kernel", k.SeqType, k.Algorithm)
}

// LaunchDims is the execution geometry of one launch.
type LaunchDims struct {
	Grid           int
	Block          int
	SharedMemBytes int
}

// KernelArgs are the device buffers and scoring passed to the alignment
// kernel. Offsets are uint32 cumulative lengths, outputs are int16 per job.
type KernelArgs struct {
	Refs         DeviceMem
	Queries      DeviceMem
	RefOffsets   DeviceMem
	QueryOffsets DeviceMem

	Scores     DeviceMem
	RefBegin   DeviceMem
	RefEnd     DeviceMem
	QueryBegin DeviceMem
	QueryEnd   DeviceMem

	Scoring kernel.Scoring
}
