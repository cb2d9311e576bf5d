package driver

import (
	"github.com/fxnlabs/gpu-aligner/internal/gpu"
	"github.com/fxnlabs/gpu-aligner/internal/metrics"
)

// hostToDevice enqueues the offset tables and the packed characters of jobs
// sequences. Characters are copied up to the exact packed lengths only.
func hostToDevice(stream gpu.Stream, b *BufferManager, jobs, refLen, queryLen int) error {
	copies := []struct {
		dst gpu.DeviceMem
		src []byte
	}{
		{b.devRefOffsets.mem, b.hostRefOffsets.bytes()[:offsetSize*jobs]},
		{b.devQueryOffsets.mem, b.hostQueryOffsets.bytes()[:offsetSize*jobs]},
		{b.devRefs.mem, b.hostRefs.bytes()[:refLen]},
		{b.devQueries.mem, b.hostQueries.bytes()[:queryLen]},
	}
	n := 0
	for _, c := range copies {
		if err := stream.CopyToDevice(c.dst, c.src); err != nil {
			return check("cudaMemcpyAsync(HostToDevice)", err)
		}
		n += len(c.src)
	}
	metrics.TransferBytes.WithLabelValues("htod").Add(float64(n))
	return nil
}

// deviceToHost enqueues the copies of the five result arrays.
func deviceToHost(stream gpu.Stream, b *BufferManager, jobs int) error {
	n := 0
	for i := range b.devResults {
		dst := b.hostResults[i].bytes()[:resultSize*jobs]
		if err := stream.CopyToHost(dst, b.devResults[i].mem); err != nil {
			return check("cudaMemcpyAsync(DeviceToHost) "+resultNames[i], err)
		}
		n += len(dst)
	}
	metrics.TransferBytes.WithLabelValues("dtoh").Add(float64(n))
	return nil
}
