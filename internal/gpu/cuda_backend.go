//go:build cuda

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/fxnlabs/gpu-aligner/cuda"
	"go.uber.org/zap"
)

// CUDABackend implements GPUBackend using NVIDIA CUDA
type CUDABackend struct {
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
	available   bool
	devices     int
	deviceInfo  DeviceInfo
}

// NewCUDABackend creates a new CUDA backend instance
func NewCUDABackend(logger *zap.Logger) *CUDABackend {
	backend := &CUDABackend{
		logger: logger.Named("cuda"),
	}

	// Check if CUDA is available
	n, err := cuda.DeviceCount()
	if err != nil || n == 0 {
		backend.logger.Warn("CUDA device not available", zap.Error(err))
		backend.available = false
	} else {
		backend.available = true
		backend.devices = n
	}

	return backend
}

// Initialize prepares the CUDA backend for use
func (c *CUDABackend) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.available {
		return fmt.Errorf("CUDA device not available")
	}

	if c.initialized {
		return nil
	}

	c.logger.Debug("Initializing CUDA backend")

	info, err := c.queryDevice(0)
	if err != nil {
		return err
	}
	c.deviceInfo = info

	c.initialized = true
	c.logger.Info("CUDA backend initialized",
		zap.Int("devices", c.devices),
		zap.String("device", c.deviceInfo.Name),
		zap.String("compute_capability", c.deviceInfo.ComputeCapability),
		zap.Float64("total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30)))

	return nil
}

func (c *CUDABackend) queryDevice(id int) (DeviceInfo, error) {
	info, err := cuda.GetDeviceInfo(id)
	if err != nil {
		return DeviceInfo{}, mapCUDAError(err, ErrInvalidDevice)
	}
	var free uint64
	err = cuda.OnDevice(id, func() error {
		var err error
		free, _, err = cuda.MemGetInfo()
		return err
	})
	if err != nil {
		return DeviceInfo{}, mapCUDAError(err, ErrInvalidDevice)
	}
	driver, runtimeVersion := cuda.DriverVersion()
	return DeviceInfo{
		ID:                     id,
		Name:                   info.Name,
		TotalMemory:            int64(info.TotalMemory),
		AvailableMemory:        int64(free),
		ComputeCapability:      fmt.Sprintf("%d.%d", info.Major, info.Minor),
		DriverVersion:          cudaVersionString(driver),
		CUDAVersion:            cudaVersionString(runtimeVersion),
		MaxThreadsPerBlock:     info.MaxThreadsPerBlock,
		SharedMemPerBlock:      int(info.SharedMemoryPerBlock),
		SharedMemPerBlockOptin: int(info.SharedMemoryPerBlockOptin),
	}, nil
}

// GetDeviceInfo returns information about the CUDA device
func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo
}

// IsAvailable checks if CUDA is available
func (c *CUDABackend) IsAvailable() bool {
	return c.available
}

func (c *CUDABackend) DeviceCount() int {
	return c.devices
}

// Cleanup releases CUDA resources
func (c *CUDABackend) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// OpenDevice binds a handle to device id.
func (c *CUDABackend) OpenDevice(id int) (Device, error) {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return nil, fmt.Errorf("CUDA backend not initialized")
	}
	if id < 0 || id >= c.devices {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidDevice, id, c.devices)
	}
	info, err := c.queryDevice(id)
	if err != nil {
		return nil, err
	}
	return &cudaDevice{id: id, info: info, logger: c.logger.With(zap.Int("device_id", id))}, nil
}

// cudaVersionString renders 12040 as "12.4".
func cudaVersionString(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}

// mapCUDAError attaches the matching gpu sentinel to a CUDA error.
func mapCUDAError(err error, fallback error) error {
	var cerr cuda.Error
	if !errors.As(err, &cerr) {
		return err
	}
	switch cerr {
	case cuda.ErrMemoryAllocation:
		return fmt.Errorf("%w: %v", fallback, err)
	case cuda.ErrInvalidValue:
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	case cuda.ErrInvalidDevice, cuda.ErrNoDevice:
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	case cuda.ErrLaunchOutOfRes:
		return fmt.Errorf("%w: %v", ErrLaunchOutOfResources, err)
	default:
		return err
	}
}

type cudaDevice struct {
	id     int
	info   DeviceInfo
	logger *zap.Logger
}

func (d *cudaDevice) ID() int          { return d.id }
func (d *cudaDevice) Info() DeviceInfo { return d.info }

func (d *cudaDevice) MemInfo() (int64, int64, error) {
	var free, total uint64
	err := cuda.OnDevice(d.id, func() error {
		var err error
		free, total, err = cuda.MemGetInfo()
		return err
	})
	if err != nil {
		return 0, 0, mapCUDAError(err, ErrInvalidDevice)
	}
	return int64(free), int64(total), nil
}

func (d *cudaDevice) MallocHost(size int) (HostMem, error) {
	var p unsafe.Pointer
	err := cuda.OnDevice(d.id, func() error {
		var err error
		p, err = cuda.MallocHost(size)
		return err
	})
	if err != nil {
		return nil, mapCUDAError(err, ErrOutOfHostMemory)
	}
	h := &cudaHostMem{p: p}
	if size > 0 {
		h.b = unsafe.Slice((*byte)(p), size)
	}
	return h, nil
}

func (d *cudaDevice) Malloc(size int) (DeviceMem, error) {
	var p unsafe.Pointer
	err := cuda.OnDevice(d.id, func() error {
		var err error
		p, err = cuda.Malloc(size)
		return err
	})
	if err != nil {
		return nil, mapCUDAError(err, ErrOutOfDeviceMemory)
	}
	return &cudaDeviceMem{dev: d, p: p, n: size}, nil
}

func (d *cudaDevice) NewStream() (Stream, error) {
	var st *cuda.Stream
	err := cuda.OnDevice(d.id, func() error {
		var err error
		st, err = cuda.StreamCreate()
		return err
	})
	if err != nil {
		return nil, mapCUDAError(err, ErrOutOfDeviceMemory)
	}
	return &cudaStream{dev: d, s: st}, nil
}

func (d *cudaDevice) SetMaxDynamicSharedMemory(k KernelID, bytes int) error {
	err := cuda.OnDevice(d.id, func() error {
		return cuda.SetMaxDynamicSharedMemory(int(k.SeqType), int(k.Algorithm), bytes)
	})
	return mapCUDAError(err, ErrInvalidValue)
}

func (d *cudaDevice) Close() error { return nil }

type cudaHostMem struct {
	mu    sync.Mutex
	p     unsafe.Pointer
	b     []byte
	freed bool
}

func (h *cudaHostMem) Bytes() []byte { return h.b }

func (h *cudaHostMem) Free() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		return fmt.Errorf("%w: host buffer already freed", ErrInvalidValue)
	}
	h.freed = true
	p := h.p
	h.p, h.b = nil, nil
	return cuda.FreeHost(p)
}

type cudaDeviceMem struct {
	dev   *cudaDevice
	mu    sync.Mutex
	p     unsafe.Pointer
	n     int
	freed bool
}

func (m *cudaDeviceMem) Len() int { return m.n }

func (m *cudaDeviceMem) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return fmt.Errorf("%w: device buffer already freed", ErrInvalidValue)
	}
	m.freed = true
	p := m.p
	m.p = nil
	return cuda.OnDevice(m.dev.id, func() error { return cuda.Free(p) })
}

func devicePtr(m DeviceMem, name string) (unsafe.Pointer, error) {
	dm, ok := m.(*cudaDeviceMem)
	if !ok || dm == nil {
		return nil, fmt.Errorf("%w: %s is not a CUDA device buffer", ErrInvalidValue, name)
	}
	return dm.p, nil
}

type cudaStream struct {
	dev *cudaDevice
	mu  sync.Mutex
	s   *cuda.Stream
}

func (s *cudaStream) CopyToDevice(dst DeviceMem, src []byte) error {
	p, err := devicePtr(dst, "copy destination")
	if err != nil || len(src) == 0 {
		return err
	}
	if len(src) > dst.Len() {
		return fmt.Errorf("%w: copy of %d bytes into %d byte device buffer", ErrInvalidValue, len(src), dst.Len())
	}
	return cuda.OnDevice(s.dev.id, func() error {
		return s.s.MemcpyHtoDAsync(p, unsafe.Pointer(&src[0]), len(src))
	})
}

func (s *cudaStream) CopyToHost(dst []byte, src DeviceMem) error {
	p, err := devicePtr(src, "copy source")
	if err != nil || len(dst) == 0 {
		return err
	}
	if len(dst) > src.Len() {
		return fmt.Errorf("%w: copy of %d bytes from %d byte device buffer", ErrInvalidValue, len(dst), src.Len())
	}
	return cuda.OnDevice(s.dev.id, func() error {
		return s.s.MemcpyDtoHAsync(unsafe.Pointer(&dst[0]), p, len(dst))
	})
}

func (s *cudaStream) Launch(k KernelID, dims LaunchDims, args KernelArgs) error {
	la := cuda.LaunchArgs{
		SeqType:        int(k.SeqType),
		Algorithm:      int(k.Algorithm),
		Grid:           dims.Grid,
		Block:          dims.Block,
		SharedMemBytes: dims.SharedMemBytes,
		Match:          args.Scoring.Match,
		Mismatch:       args.Scoring.Mismatch,
		GapOpen:        args.Scoring.GapOpen,
		GapExtend:      args.Scoring.GapExtend,
	}
	if m := args.Scoring.Matrix; m != nil {
		la.Alphabet = m.Alphabet
		for _, row := range m.Scores {
			la.Matrix = append(la.Matrix, row...)
		}
	}
	for _, b := range []struct {
		dst  *unsafe.Pointer
		mem  DeviceMem
		name string
	}{
		{&la.Refs, args.Refs, "refs"}, {&la.Queries, args.Queries, "queries"},
		{&la.RefOffsets, args.RefOffsets, "ref offsets"}, {&la.QueryOffsets, args.QueryOffsets, "query offsets"},
		{&la.Scores, args.Scores, "scores"}, {&la.RefBegin, args.RefBegin, "ref begin"},
		{&la.RefEnd, args.RefEnd, "ref end"}, {&la.QueryBegin, args.QueryBegin, "query begin"},
		{&la.QueryEnd, args.QueryEnd, "query end"},
	} {
		p, err := devicePtr(b.mem, b.name)
		if err != nil {
			return err
		}
		*b.dst = p
	}
	err := cuda.OnDevice(s.dev.id, func() error { return s.s.Launch(la) })
	return mapCUDAError(err, ErrLaunchOutOfResources)
}

func (s *cudaStream) Record() (Event, error) {
	var ev *cuda.Event
	err := cuda.OnDevice(s.dev.id, func() error {
		var err error
		ev, err = s.s.Record()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &cudaEvent{dev: s.dev, e: ev}, nil
}

func (s *cudaStream) Query() (bool, error) {
	var done bool
	err := cuda.OnDevice(s.dev.id, func() error {
		var err error
		done, err = s.s.Query()
		return err
	})
	return done, err
}

func (s *cudaStream) Synchronize() error {
	return cuda.OnDevice(s.dev.id, s.s.Synchronize)
}

func (s *cudaStream) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s == nil {
		return nil
	}
	st := s.s
	s.s = nil
	return cuda.OnDevice(s.dev.id, func() error {
		if err := st.Synchronize(); err != nil {
			return err
		}
		return st.Destroy()
	})
}

type cudaEvent struct {
	dev *cudaDevice
	e   *cuda.Event
}

func (e *cudaEvent) Query() (bool, error) {
	var done bool
	err := cuda.OnDevice(e.dev.id, func() error {
		var err error
		done, err = e.e.Query()
		return err
	})
	return done, err
}

func (e *cudaEvent) Synchronize() error {
	return cuda.OnDevice(e.dev.id, e.e.Synchronize)
}

func (e *cudaEvent) Destroy() error {
	return cuda.OnDevice(e.dev.id, e.e.Destroy)
}
