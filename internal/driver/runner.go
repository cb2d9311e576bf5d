package driver

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-aligner/internal/gpu"
	"github.com/fxnlabs/gpu-aligner/internal/metrics"
)

// RunOptions configure AlignAll.
type RunOptions struct {
	MaxRefLen   int
	MaxQueryLen int
	// UtilizationPercent of free device memory the planner may size batches
	// for. Zero means 100.
	UtilizationPercent int
	// BatchSize overrides the planner when positive.
	BatchSize int
	// Backend labels the alignments counter.
	Backend string
	Logger  *zap.Logger
}

// RunStats describe a completed AlignAll call.
type RunStats struct {
	Batches   int
	BatchSize int
	// CPUWork counts polls that found the device still busy.
	CPUWork uint64
}

// AlignAll splits the jobs into batches sized by the capacity planner and
// runs one session per batch, busy-polling each for completion.
func AlignAll(ctx context.Context, dev gpu.Device, cfg AlignmentConfig, refs, queries []string, opts RunOptions) (*ResultSet, RunStats, error) {
	var stats RunStats
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(refs) != len(queries) {
		return nil, stats, usageError(KindInvalidArgument, "align_all", "%d references but %d queries", len(refs), len(queries))
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		util := opts.UtilizationPercent
		if util == 0 {
			util = 100
		}
		n, err := GetBatchSize(dev, opts.MaxQueryLen, opts.MaxRefLen, util)
		if err != nil {
			return nil, stats, err
		}
		batchSize = n
	}
	stats.BatchSize = batchSize
	metrics.BatchSize.Set(float64(batchSize))
	logger.Info("running alignments",
		zap.Int("jobs", len(refs)),
		zap.Int("batch_size", batchSize),
		zap.Stringer("algorithm", cfg.Algorithm),
		zap.Stringer("sequence_type", cfg.SeqType))

	all := &ResultSet{}
	limits := Limits{MaxRefLen: opts.MaxRefLen, MaxQueryLen: opts.MaxQueryLen}
	for start := 0; ; start += batchSize {
		end := min(start+batchSize, len(refs))
		limits.BatchSize = end - start
		rs, work, err := runBatch(ctx, dev, cfg, refs[start:end], queries[start:end], limits, logger)
		stats.CPUWork += work
		if err != nil {
			return nil, stats, err
		}
		all.Append(rs)
		stats.Batches++
		if end == len(refs) {
			break
		}
	}
	metrics.AlignmentsTotal.WithLabelValues(opts.Backend).Add(float64(all.Len()))
	return all, stats, nil
}

func runBatch(ctx context.Context, dev gpu.Device, cfg AlignmentConfig, refs, queries []string, limits Limits, logger *zap.Logger) (rs *ResultSet, work uint64, err error) {
	s, err := Initialize(dev, cfg, refs, queries, limits, logger)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if cerr := s.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.KernelLaunch(); err != nil {
		return nil, 0, err
	}
	if work, err = spin(ctx, s.KernelDone); err != nil {
		return nil, work, err
	}
	if err := s.MemCpyDTH(); err != nil {
		return nil, work, err
	}
	n, err := spin(ctx, s.DTHDone)
	work += n
	if err != nil {
		return nil, work, err
	}
	rs, err = s.GetAlignments()
	return rs, work, err
}

// spin polls until done, counting the polls that found work pending.
// Cancelling ctx stops the polling; the deferred Cleanup still waits for the
// stream before releasing buffers.
func spin(ctx context.Context, poll func() (bool, error)) (uint64, error) {
	var n uint64
	for {
		done, err := poll()
		if err != nil {
			return n, err
		}
		if done {
			return n, nil
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		n++
		runtime.Gosched()
	}
}
