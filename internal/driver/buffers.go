package driver

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-aligner/internal/gpu"
	"github.com/fxnlabs/gpu-aligner/internal/metrics"
)

const (
	offsetSize = 4 // uint32
	resultSize = 2 // int16
)

// Result buffer slots.
const (
	resScore = iota
	resRefBegin
	resRefEnd
	resQueryBegin
	resQueryEnd
	numResults
)

var resultNames = [numResults]string{"scores", "ref begin", "ref end", "query begin", "query end"}

// pinned owns one page-locked host allocation. release frees it at most once.
type pinned struct {
	mem  gpu.HostMem
	size int
}

func (p *pinned) bytes() []byte {
	if p.mem == nil {
		return nil
	}
	return p.mem.Bytes()
}

func (p *pinned) release() error {
	if p.mem == nil {
		return nil
	}
	mem := p.mem
	p.mem = nil
	metrics.PinnedMemoryAllocatedBytes.Sub(float64(p.size))
	return check("cudaFreeHost", mem.Free())
}

// deviceBuf owns one device allocation. release frees it at most once.
type deviceBuf struct {
	mem  gpu.DeviceMem
	size int
}

func (d *deviceBuf) release() error {
	if d.mem == nil {
		return nil
	}
	mem := d.mem
	d.mem = nil
	metrics.DeviceMemoryAllocatedBytes.Sub(float64(d.size))
	return check("cudaFree", mem.Free())
}

// BufferManager owns every host and device buffer of one session.
type BufferManager struct {
	dev    gpu.Device
	logger *zap.Logger

	hostRefOffsets, hostQueryOffsets pinned
	hostRefs, hostQueries            pinned
	hostResults                      [numResults]pinned

	devRefOffsets, devQueryOffsets deviceBuf
	devRefs, devQueries            deviceBuf
	devResults                     [numResults]deviceBuf

	batchSize int
}

// NewBufferManager returns an empty manager bound to dev.
func NewBufferManager(dev gpu.Device, logger *zap.Logger) *BufferManager {
	return &BufferManager{dev: dev, logger: logger}
}

// Allocate reserves the pinned staging buffers, the device offset tables and
// the device result buffers for batchSize jobs. Packed characters are staged
// in maxLen*batchSize pinned bytes per side so the size is known before
// packing. On failure everything allocated so far is released.
func (b *BufferManager) Allocate(batchSize, maxRefLen, maxQueryLen int) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Release())
		}
	}()
	b.batchSize = batchSize

	for _, h := range []struct {
		buf  *pinned
		size int
	}{
		{&b.hostRefOffsets, offsetSize * batchSize},
		{&b.hostQueryOffsets, offsetSize * batchSize},
		{&b.hostRefs, maxRefLen * batchSize},
		{&b.hostQueries, maxQueryLen * batchSize},
	} {
		if err := b.allocHost(h.buf, h.size); err != nil {
			return err
		}
	}
	for i := range b.hostResults {
		if err := b.allocHost(&b.hostResults[i], resultSize*batchSize); err != nil {
			return err
		}
	}

	if err := b.allocDevice(&b.devRefOffsets, offsetSize*batchSize); err != nil {
		return err
	}
	if err := b.allocDevice(&b.devQueryOffsets, offsetSize*batchSize); err != nil {
		return err
	}
	for i := range b.devResults {
		if err := b.allocDevice(&b.devResults[i], resultSize*batchSize); err != nil {
			return err
		}
	}

	b.logger.Info("session buffers allocated",
		zap.Int("batch_size", batchSize),
		zap.Int("pinned_bytes", b.pinnedBytes()),
		zap.Int("device_bytes", b.deviceBytes()))
	return nil
}

// AllocateSequences reserves device character buffers of the exact packed
// lengths.
func (b *BufferManager) AllocateSequences(refLen, queryLen int) error {
	if err := b.allocDevice(&b.devRefs, refLen); err != nil {
		return err
	}
	return b.allocDevice(&b.devQueries, queryLen)
}

func (b *BufferManager) allocHost(p *pinned, size int) error {
	mem, err := b.dev.MallocHost(size)
	if err != nil {
		return check("cudaMallocHost", err)
	}
	p.mem, p.size = mem, size
	metrics.PinnedMemoryAllocatedBytes.Add(float64(size))
	return nil
}

func (b *BufferManager) allocDevice(d *deviceBuf, size int) error {
	mem, err := b.dev.Malloc(size)
	if err != nil {
		return check("cudaMalloc", err)
	}
	d.mem, d.size = mem, size
	metrics.DeviceMemoryAllocatedBytes.Add(float64(size))
	return nil
}

// Release frees every buffer still held. Safe to call more than once.
func (b *BufferManager) Release() error {
	var err error
	for _, p := range b.hostBuffers() {
		err = multierr.Append(err, p.release())
	}
	for _, d := range b.deviceBuffers() {
		err = multierr.Append(err, d.release())
	}
	return err
}

// Held reports how many allocations are still live.
func (b *BufferManager) Held() int {
	n := 0
	for _, p := range b.hostBuffers() {
		if p.mem != nil {
			n++
		}
	}
	for _, d := range b.deviceBuffers() {
		if d.mem != nil {
			n++
		}
	}
	return n
}

func (b *BufferManager) hostBuffers() []*pinned {
	bufs := []*pinned{&b.hostRefOffsets, &b.hostQueryOffsets, &b.hostRefs, &b.hostQueries}
	for i := range b.hostResults {
		bufs = append(bufs, &b.hostResults[i])
	}
	return bufs
}

func (b *BufferManager) deviceBuffers() []*deviceBuf {
	bufs := []*deviceBuf{&b.devRefOffsets, &b.devQueryOffsets, &b.devRefs, &b.devQueries}
	for i := range b.devResults {
		bufs = append(bufs, &b.devResults[i])
	}
	return bufs
}

func (b *BufferManager) pinnedBytes() int {
	n := 0
	for _, p := range b.hostBuffers() {
		n += p.size
	}
	return n
}

func (b *BufferManager) deviceBytes() int {
	n := 0
	for _, d := range b.deviceBuffers() {
		n += d.size
	}
	return n
}

func (b *BufferManager) refOffsets() []uint32   { return gpu.Uint32s(b.hostRefOffsets.bytes()) }
func (b *BufferManager) queryOffsets() []uint32 { return gpu.Uint32s(b.hostQueryOffsets.bytes()) }

func (b *BufferManager) hostResult(i int) []int16 { return gpu.Int16s(b.hostResults[i].bytes()) }

func (b *BufferManager) kernelArgs() gpu.KernelArgs {
	return gpu.KernelArgs{
		Refs:         b.devRefs.mem,
		Queries:      b.devQueries.mem,
		RefOffsets:   b.devRefOffsets.mem,
		QueryOffsets: b.devQueryOffsets.mem,
		Scores:       b.devResults[resScore].mem,
		RefBegin:     b.devResults[resRefBegin].mem,
		RefEnd:       b.devResults[resRefEnd].mem,
		QueryBegin:   b.devResults[resQueryBegin].mem,
		QueryEnd:     b.devResults[resQueryEnd].mem,
	}
}
