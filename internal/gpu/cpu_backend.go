package gpu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	defaultTotalMemory = 8 * 1024 * 1024 * 1024 // 8GB
	defaultFreeMemory  = 4 * 1024 * 1024 * 1024 // 4GB

	cpuMaxThreadsPerBlock     = 1024
	cpuSharedMemPerBlockOptin = 227 * 1024
)

// CPUOption configures a CPUBackend.
type CPUOption func(*CPUBackend)

// WithDeviceCount sets how many emulated devices OpenDevice accepts.
func WithDeviceCount(n int) CPUOption {
	return func(c *CPUBackend) { c.devices = n }
}

// WithMemoryLimit caps device allocations per emulated device. Zero means
// the limit follows system memory.
func WithMemoryLimit(bytes int64) CPUOption {
	return func(c *CPUBackend) { c.memoryLimit = bytes }
}

// WithParallelism bounds how many kernel blocks run at once.
func WithParallelism(n int) CPUOption {
	return func(c *CPUBackend) { c.parallelism = n }
}

// CPUBackend implements GPUBackend by emulating the device on the host.
// Device memory lives on the Go heap, pinned memory is mlocked, and each
// stream is a worker goroutine.
type CPUBackend struct {
	logger      *zap.Logger
	devices     int
	memoryLimit int64
	parallelism int

	mu          sync.Mutex
	initialized bool
}

// NewCPUBackend creates a new CPU backend instance
func NewCPUBackend(logger *zap.Logger, opts ...CPUOption) *CPUBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CPUBackend{
		logger:  logger.Named("cpu"),
		devices: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize prepares the CPU backend for use
func (c *CPUBackend) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.initialized = true
	c.logger.Info("CPU backend initialized", zap.Int("devices", c.devices), zap.Int64("memory_limit", c.memoryLimit))
	return nil
}

// Cleanup releases any resources (none for CPU backend)
func (c *CPUBackend) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// IsAvailable checks if the backend is available (always true for CPU)
func (c *CPUBackend) IsAvailable() bool {
	return true
}

func (c *CPUBackend) DeviceCount() int {
	return c.devices
}

// GetDeviceInfo returns device information for CPU
func (c *CPUBackend) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo(0, 0)
}

func (c *CPUBackend) deviceInfo(id int, used int64) DeviceInfo {
	total, free := systemMemory()
	if c.memoryLimit > 0 {
		total, free = c.memoryLimit, c.memoryLimit-used
	}
	return DeviceInfo{
		ID:                     id,
		Name:                   fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		TotalMemory:            total,
		AvailableMemory:        free,
		ComputeCapability:      "N/A",
		DriverVersion:          runtime.Version(),
		MaxThreadsPerBlock:     cpuMaxThreadsPerBlock,
		SharedMemPerBlock:      DefaultSharedMemPerBlock,
		SharedMemPerBlockOptin: cpuSharedMemPerBlockOptin,
	}
}

// OpenDevice returns a handle to emulated device id.
func (c *CPUBackend) OpenDevice(id int) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, fmt.Errorf("CPU backend not initialized")
	}
	if id < 0 || id >= c.devices {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidDevice, id, c.devices)
	}
	return &cpuDevice{
		backend:  c,
		id:       id,
		logger:   c.logger.With(zap.Int("device_id", id)),
		shmemMax: make(map[KernelID]int),
	}, nil
}

type cpuDevice struct {
	backend *CPUBackend
	id      int
	logger  *zap.Logger

	used     atomic.Int64
	pinWarn  sync.Once
	mu       sync.Mutex
	shmemMax map[KernelID]int
	closed   bool
}

func (d *cpuDevice) ID() int { return d.id }

func (d *cpuDevice) Info() DeviceInfo {
	return d.backend.deviceInfo(d.id, d.used.Load())
}

func (d *cpuDevice) MemInfo() (int64, int64, error) {
	info := d.Info()
	return info.AvailableMemory, info.TotalMemory, nil
}

func (d *cpuDevice) MallocHost(size int) (HostMem, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidValue, size)
	}
	b, locked, err := allocPinned(size)
	if err != nil {
		return nil, err
	}
	if !locked && size > 0 {
		d.pinWarn.Do(func() {
			d.logger.Warn("mlock refused, host buffers are pageable", zap.Int("bytes", size))
		})
	}
	return &cpuHostMem{b: b, locked: locked}, nil
}

func (d *cpuDevice) Malloc(size int) (DeviceMem, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidValue, size)
	}
	if limit := d.backend.memoryLimit; limit > 0 {
		if used := d.used.Add(int64(size)); used > limit {
			d.used.Add(-int64(size))
			return nil, fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfDeviceMemory, size, used-int64(size), limit)
		}
	} else {
		d.used.Add(int64(size))
	}
	return &cpuDeviceMem{dev: d, b: alignedBytes(size)}, nil
}

func (d *cpuDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	return newCPUStream(d), nil
}

func (d *cpuDevice) SetMaxDynamicSharedMemory(k KernelID, bytes int) error {
	if bytes < 0 || bytes > cpuSharedMemPerBlockOptin {
		return fmt.Errorf("%w: %d bytes of dynamic shared memory for %s (max %d)", ErrInvalidValue, bytes, k, cpuSharedMemPerBlockOptin)
	}
	d.mu.Lock()
	d.shmemMax[k] = bytes
	d.mu.Unlock()
	return nil
}

func (d *cpuDevice) sharedMemLimit(k KernelID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.shmemMax[k]; ok && v > DefaultSharedMemPerBlock {
		return v
	}
	return DefaultSharedMemPerBlock
}

func (d *cpuDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if used := d.used.Load(); used > 0 {
		d.logger.Warn("device closed with live allocations", zap.Int64("bytes", used))
	}
	return nil
}

type cpuHostMem struct {
	mu     sync.Mutex
	b      []byte
	locked bool
	freed  bool
}

func (h *cpuHostMem) Bytes() []byte { return h.b }

func (h *cpuHostMem) Free() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		return fmt.Errorf("%w: host buffer already freed", ErrInvalidValue)
	}
	h.freed = true
	b := h.b
	h.b = nil
	return freePinned(b, h.locked)
}

type cpuDeviceMem struct {
	dev   *cpuDevice
	b     []byte
	freed atomic.Bool
}

func (m *cpuDeviceMem) Len() int { return len(m.b) }

func (m *cpuDeviceMem) Free() error {
	if !m.freed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: device buffer already freed", ErrInvalidValue)
	}
	m.dev.used.Add(-int64(len(m.b)))
	return nil
}

// deviceBytes unwraps a DeviceMem that belongs to d.
func (d *cpuDevice) deviceBytes(m DeviceMem, name string) ([]byte, error) {
	dm, ok := m.(*cpuDeviceMem)
	if !ok || dm == nil {
		return nil, fmt.Errorf("%w: %s is not a CPU device buffer", ErrInvalidValue, name)
	}
	if dm.dev != d {
		return nil, fmt.Errorf("%w: %s belongs to device %d", ErrInvalidValue, name, dm.dev.id)
	}
	if dm.freed.Load() {
		return nil, fmt.Errorf("%w: %s used after free", ErrInvalidValue, name)
	}
	return dm.b, nil
}
