//go:build cuda

// Package cuda binds the CUDA runtime calls and the ADEPT kernel library
// used by the CUDA backend.
package cuda

/*
#cgo CFLAGS: -I. -I./include
#cgo LDFLAGS: -L./lib -L. -ladept_kernels -lcudart

#include <cuda_runtime.h>
#include <stdlib.h>
#include "adept.h"
*/
import "C"
import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"
)

// DeviceInfo represents CUDA device information
type DeviceInfo struct {
	Name                      string
	Major                     int
	Minor                     int
	TotalMemory               uint64 // in bytes
	SharedMemoryPerBlock      uint64
	SharedMemoryPerBlockOptin uint64
	MaxThreadsPerBlock        int
	MultiProcessorCount       int
}

// Error is a cudaError_t.
type Error int

// ErrNotReady is returned by queries on work that is still running.
const ErrNotReady Error = C.cudaErrorNotReady

func (e Error) Error() string {
	return fmt.Sprintf("cuda error %d: %s", int(e), C.GoString(C.cudaGetErrorString(C.cudaError_t(e))))
}

// Code returns the raw cudaError_t value.
func (e Error) Code() int { return int(e) }

// Well-known error codes.
const (
	ErrMemoryAllocation = Error(C.cudaErrorMemoryAllocation)
	ErrInvalidValue     = Error(C.cudaErrorInvalidValue)
	ErrInvalidDevice    = Error(C.cudaErrorInvalidDevice)
	ErrLaunchOutOfRes   = Error(C.cudaErrorLaunchOutOfResources)
	ErrNoDevice         = Error(C.cudaErrorNoDevice)
)

func check(code C.cudaError_t) error {
	if code == C.cudaSuccess {
		return nil
	}
	return Error(code)
}

// OnDevice runs fn with device id current on a locked OS thread. The CUDA
// runtime tracks the current device per thread, so every call that depends
// on it goes through here.
func OnDevice(id int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check(C.cudaSetDevice(C.int(id))); err != nil {
		return err
	}
	return fn()
}

// DeviceCount returns the number of visible CUDA devices.
func DeviceCount() (int, error) {
	var n C.int
	if err := check(C.cudaGetDeviceCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetDeviceInfo returns information about device id
func GetDeviceInfo(id int) (*DeviceInfo, error) {
	var prop C.struct_cudaDeviceProp
	if err := check(C.cudaGetDeviceProperties(&prop, C.int(id))); err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}
	return &DeviceInfo{
		Name:                      C.GoString(&prop.name[0]),
		Major:                     int(prop.major),
		Minor:                     int(prop.minor),
		TotalMemory:               uint64(prop.totalGlobalMem),
		SharedMemoryPerBlock:      uint64(prop.sharedMemPerBlock),
		SharedMemoryPerBlockOptin: uint64(prop.sharedMemPerBlockOptin),
		MaxThreadsPerBlock:        int(prop.maxThreadsPerBlock),
		MultiProcessorCount:       int(prop.multiProcessorCount),
	}, nil
}

// MemGetInfo returns free and total memory of the current device.
func MemGetInfo() (free, total uint64, err error) {
	var f, t C.size_t
	if err := check(C.cudaMemGetInfo(&f, &t)); err != nil {
		return 0, 0, err
	}
	return uint64(f), uint64(t), nil
}

// DriverVersion returns the driver and runtime versions as reported by CUDA.
func DriverVersion() (driver, rt int) {
	var d, r C.int
	C.cudaDriverGetVersion(&d)
	C.cudaRuntimeGetVersion(&r)
	return int(d), int(r)
}

// MallocHost allocates page-locked host memory.
func MallocHost(n int) (unsafe.Pointer, error) {
	var p unsafe.Pointer
	if n == 0 {
		return nil, nil
	}
	if err := check(C.cudaMallocHost(&p, C.size_t(n))); err != nil {
		return nil, err
	}
	return p, nil
}

// FreeHost releases memory from MallocHost.
func FreeHost(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	return check(C.cudaFreeHost(p))
}

// Malloc allocates memory on the current device.
func Malloc(n int) (unsafe.Pointer, error) {
	var p unsafe.Pointer
	if err := check(C.cudaMalloc(&p, C.size_t(n))); err != nil {
		return nil, err
	}
	return p, nil
}

// Free releases device memory.
func Free(p unsafe.Pointer) error {
	return check(C.cudaFree(p))
}

// Stream wraps cudaStream_t.
type Stream struct{ s C.cudaStream_t }

// StreamCreate creates a stream on the current device.
func StreamCreate() (*Stream, error) {
	st := &Stream{}
	if err := check(C.cudaStreamCreate(&st.s)); err != nil {
		return nil, err
	}
	return st, nil
}

// Query reports whether all work on the stream has completed.
func (st *Stream) Query() (bool, error) {
	return ready(C.cudaStreamQuery(st.s))
}

func (st *Stream) Synchronize() error { return check(C.cudaStreamSynchronize(st.s)) }

func (st *Stream) Destroy() error { return check(C.cudaStreamDestroy(st.s)) }

// MemcpyHtoDAsync enqueues a host-to-device copy.
func (st *Stream) MemcpyHtoDAsync(dst, src unsafe.Pointer, n int) error {
	if n == 0 {
		return nil
	}
	return check(C.cudaMemcpyAsync(dst, src, C.size_t(n), C.cudaMemcpyHostToDevice, st.s))
}

// MemcpyDtoHAsync enqueues a device-to-host copy.
func (st *Stream) MemcpyDtoHAsync(dst, src unsafe.Pointer, n int) error {
	if n == 0 {
		return nil
	}
	return check(C.cudaMemcpyAsync(dst, src, C.size_t(n), C.cudaMemcpyDeviceToHost, st.s))
}

// Event wraps cudaEvent_t.
type Event struct{ e C.cudaEvent_t }

// Record creates a timing-free event and records it on the stream.
func (st *Stream) Record() (*Event, error) {
	ev := &Event{}
	if err := check(C.cudaEventCreateWithFlags(&ev.e, C.cudaEventDisableTiming)); err != nil {
		return nil, err
	}
	if err := check(C.cudaEventRecord(ev.e, st.s)); err != nil {
		C.cudaEventDestroy(ev.e)
		return nil, err
	}
	return ev, nil
}

func (ev *Event) Query() (bool, error) { return ready(C.cudaEventQuery(ev.e)) }

func (ev *Event) Synchronize() error { return check(C.cudaEventSynchronize(ev.e)) }

func (ev *Event) Destroy() error { return check(C.cudaEventDestroy(ev.e)) }

func ready(code C.cudaError_t) (bool, error) {
	switch code {
	case C.cudaSuccess:
		return true, nil
	case C.cudaErrorNotReady:
		return false, nil
	default:
		return false, Error(code)
	}
}

// SetMaxDynamicSharedMemory opts the kernel variant into extended dynamic
// shared memory.
func SetMaxDynamicSharedMemory(seqType, algorithm, bytes int) error {
	return check(C.adept_set_max_dynamic_shmem(C.int(seqType), C.int(algorithm), C.int(bytes)))
}

// LaunchArgs are the raw pointers handed to adept_launch.
type LaunchArgs struct {
	SeqType, Algorithm          int
	Grid, Block, SharedMemBytes int

	Refs, Queries, RefOffsets, QueryOffsets        unsafe.Pointer
	RefBegin, RefEnd, QueryBegin, QueryEnd, Scores unsafe.Pointer

	Match, Mismatch, GapOpen, GapExtend int16
	Matrix                              []int16
	Alphabet                            string
}

// Launch enqueues the alignment kernel on the stream.
func (st *Stream) Launch(a LaunchArgs) error {
	var matrix *C.short
	var alphabet *C.char
	if len(a.Matrix) > 0 {
		if len(a.Matrix) != len(a.Alphabet)*len(a.Alphabet) {
			return errors.New("substitution matrix does not match its alphabet")
		}
		matrix = (*C.short)(unsafe.Pointer(&a.Matrix[0]))
		alphabet = C.CString(a.Alphabet)
		defer C.free(unsafe.Pointer(alphabet))
	}
	return check(C.adept_launch(
		C.int(a.SeqType), C.int(a.Algorithm),
		C.uint(a.Grid), C.uint(a.Block), C.size_t(a.SharedMemBytes),
		st.s,
		(*C.char)(a.Refs), (*C.char)(a.Queries),
		(*C.uint)(a.RefOffsets), (*C.uint)(a.QueryOffsets),
		(*C.short)(a.RefBegin), (*C.short)(a.RefEnd),
		(*C.short)(a.QueryBegin), (*C.short)(a.QueryEnd),
		(*C.short)(a.Scores),
		C.short(a.Match), C.short(a.Mismatch),
		C.short(a.GapOpen), C.short(a.GapExtend),
		matrix, alphabet, C.int(len(a.Alphabet)),
	))
}
