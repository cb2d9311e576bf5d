package gpu

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Backend preferences accepted by NewManager.
const (
	PreferAuto = "auto"
	PreferCPU  = "cpu"
	PreferCUDA = "cuda"
)

// Manager handles GPU backend selection and lifecycle
type Manager struct {
	backend GPUBackend
	mu      sync.RWMutex
	logger  *zap.Logger
	cpuOpts []CPUOption
}

// NewManager creates a new GPU manager and selects a backend according to
// preference: "auto" tries CUDA then falls back to CPU.
func NewManager(logger *zap.Logger, preference string, cpuOpts ...CPUOption) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger:  logger.Named("gpu"),
		cpuOpts: cpuOpts,
	}

	if err := m.detectAndInitialize(strings.ToLower(preference)); err != nil {
		return nil, err
	}

	return m, nil
}

// detectAndInitialize detects available backends and initializes the best one
func (m *Manager) detectAndInitialize(preference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch preference {
	case "", PreferAuto, PreferCUDA:
	case PreferCPU:
		return m.useCPU()
	default:
		return fmt.Errorf("unknown backend preference: %q", preference)
	}

	// Try CUDA first (only if build tag is enabled)
	if cudaBackend := m.tryCreateCUDABackend(); cudaBackend != nil {
		if cudaBackend.IsAvailable() {
			if err := cudaBackend.Initialize(); err == nil {
				m.backend = cudaBackend
				return nil
			} else if preference == PreferCUDA {
				_ = cudaBackend.Cleanup()
				return fmt.Errorf("failed to initialize CUDA backend: %w", err)
			}
			// If initialization failed, try cleanup
			_ = cudaBackend.Cleanup()
		}
	}
	if preference == PreferCUDA {
		return fmt.Errorf("CUDA backend requested: %w", ErrNotAvailable)
	}

	// Fall back to CPU
	return m.useCPU()
}

func (m *Manager) useCPU() error {
	cpuBackend := NewCPUBackend(m.logger, m.cpuOpts...)
	if err := cpuBackend.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CPU backend: %w", err)
	}
	m.backend = cpuBackend
	return nil
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() GPUBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// OpenDevice opens device id on the selected backend.
func (m *Manager) OpenDevice(id int) (Device, error) {
	backend := m.GetBackend()
	if backend == nil {
		return nil, fmt.Errorf("no backend available")
	}
	dev, err := backend.OpenDevice(id)
	if err != nil {
		return nil, err
	}
	info := dev.Info()
	m.logger.Info("device opened",
		zap.String("backend", m.GetBackendType()),
		zap.Int("device_id", id),
		zap.String("device", info.Name),
		zap.String("compute_capability", info.ComputeCapability),
		zap.Int64("total_memory_mb", info.TotalMemory/(1024*1024)))
	return dev, nil
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	backend := m.GetBackend()
	if backend == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return backend.GetDeviceInfo()
}

// IsGPUAvailable returns true if a GPU backend is active
func (m *Manager) IsGPUAvailable() bool {
	backend := m.GetBackend()
	if backend == nil {
		return false
	}
	// Check if it's not the CPU backend
	_, isCPU := backend.(*CPUBackend)
	return !isCPU
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	backend := m.GetBackend()
	if backend == nil {
		return "none"
	}

	switch backend.(type) {
	case *CPUBackend:
		return PreferCPU
	case *CUDABackend:
		return PreferCUDA
	default:
		return "unknown"
	}
}
