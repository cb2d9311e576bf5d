//go:build !cuda

package gpu

import "go.uber.org/zap"

// CUDABackend is a stub type when CUDA is not available
type CUDABackend struct {
	logger *zap.Logger
}

func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{Name: "CUDA not available"}
}

func (c *CUDABackend) IsAvailable() bool {
	return false
}

func (c *CUDABackend) Initialize() error {
	return ErrNotAvailable
}

func (c *CUDABackend) Cleanup() error {
	return nil
}

func (c *CUDABackend) DeviceCount() int {
	return 0
}

func (c *CUDABackend) OpenDevice(id int) (Device, error) {
	return nil, ErrNotAvailable
}
