package driver

import (
	"github.com/fxnlabs/gpu-aligner/internal/gpu"
)

// DeviceBytesPerAlignment is the worst-case device footprint of one job:
// two offsets, both sequences at their maximum length and five results.
func DeviceBytesPerAlignment(maxQueryLen, maxRefLen int) int {
	return 2*offsetSize + maxRefLen + maxQueryLen + numResults*resultSize
}

// GetBatchSize returns the largest number of jobs whose worst-case device
// buffers fit in utilizationPercent of the free memory of dev.
func GetBatchSize(dev gpu.Device, maxQueryLen, maxRefLen, utilizationPercent int) (int, error) {
	if utilizationPercent < 1 || utilizationPercent > 100 {
		return 0, usageError(KindInvalidArgument, "get_batch_size", "utilization %d%% outside 1..100", utilizationPercent)
	}
	if maxQueryLen < 0 || maxRefLen < 0 {
		return 0, usageError(KindInvalidArgument, "get_batch_size", "negative maximum length")
	}
	if maxQueryLen > MaxSequenceLength || maxRefLen > MaxSequenceLength {
		return 0, usageError(KindInvalidArgument, "get_batch_size",
			"maximum lengths %d/%d exceed %d", maxRefLen, maxQueryLen, MaxSequenceLength)
	}
	free, _, err := dev.MemInfo()
	if err != nil {
		return 0, check("cudaMemGetInfo", err)
	}
	budget := free * int64(utilizationPercent) / 100
	n := budget / int64(DeviceBytesPerAlignment(maxQueryLen, maxRefLen))
	if n == 0 {
		return 0, usageError(KindOutOfDeviceMemory, "get_batch_size",
			"%d free bytes hold no job of %d bytes", free, DeviceBytesPerAlignment(maxQueryLen, maxRefLen))
	}
	return int(n), nil
}
