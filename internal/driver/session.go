// Package driver runs batches of pairwise alignments on an accelerator
// through an explicit, non-blocking session state machine.
package driver

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-aligner/internal/batch"
	"github.com/fxnlabs/gpu-aligner/internal/gpu"
	"github.com/fxnlabs/gpu-aligner/internal/kernel"
	"github.com/fxnlabs/gpu-aligner/internal/metrics"
)

// State is the position of a session in its lifecycle.
type State int

const (
	Created State = iota
	Initialized
	Launched
	KernelDone
	TransferIssued
	TransferDone
	ResultsRetrieved
	CleanedUp
)

var stateNames = [...]string{"created", "initialized", "launched", "kernel_done",
	"transfer_issued", "transfer_done", "results_retrieved", "cleaned_up"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// DefaultPollInterval is used by the blocking waits.
const DefaultPollInterval = 50 * time.Microsecond

// AlignmentConfig selects the kernel variant and its scoring.
type AlignmentConfig struct {
	Algorithm kernel.Algorithm
	SeqType   kernel.SeqType
	Scoring   kernel.Scoring
	// CIGAR requests traceback output. Traceback is not generated; the flag
	// is carried for callers that record it.
	CIGAR bool
}

// Validate checks the scoring parameters.
func (c AlignmentConfig) Validate() error {
	return c.Scoring.Validate()
}

// MaxSequenceLength is the longest sequence whose coordinates fit the int16
// result arrays.
const MaxSequenceLength = math.MaxInt16

// Limits bound one session: the longest reference and query accepted and
// the number of jobs the buffers are sized for.
type Limits struct {
	MaxRefLen   int
	MaxQueryLen int
	BatchSize   int
}

// ResultSet holds per-job scores and zero-based, end-exclusive coordinates.
type ResultSet struct {
	Scores     []int16
	RefBegin   []int16
	RefEnd     []int16
	QueryBegin []int16
	QueryEnd   []int16
}

// Len returns the number of results.
func (r *ResultSet) Len() int { return len(r.Scores) }

// At returns result i.
func (r *ResultSet) At(i int) kernel.Result {
	return kernel.Result{
		Score:      int(r.Scores[i]),
		RefBegin:   int(r.RefBegin[i]),
		RefEnd:     int(r.RefEnd[i]),
		QueryBegin: int(r.QueryBegin[i]),
		QueryEnd:   int(r.QueryEnd[i]),
	}
}

// Append adds the results of o after those of r.
func (r *ResultSet) Append(o *ResultSet) {
	r.Scores = append(r.Scores, o.Scores...)
	r.RefBegin = append(r.RefBegin, o.RefBegin...)
	r.RefEnd = append(r.RefEnd, o.RefEnd...)
	r.QueryBegin = append(r.QueryBegin, o.QueryBegin...)
	r.QueryEnd = append(r.QueryEnd, o.QueryEnd...)
}

// Session drives one batch through pack, transfer, launch, poll, copy back
// and release on a single stream of one device. A Session must be used by one
// goroutine at a time.
type Session struct {
	id     uuid.UUID
	dev    gpu.Device
	stream gpu.Stream
	cfg    AlignmentConfig
	limits Limits
	logger *zap.Logger

	state State
	bufs  *BufferManager

	kernel completion
	dth    completion

	jobs             int
	refLen, queryLen int
	maxRef, maxQuery int
	launch           LaunchConfig
	launchedAt       time.Time
}

// Initialize validates and packs the batch, allocates the session buffers on
// dev and enqueues the host to device transfer. On failure every resource
// acquired so far has been released.
func Initialize(dev gpu.Device, cfg AlignmentConfig, refs, queries []string, limits Limits, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dev == nil {
		return nil, usageError(KindInvalidArgument, "initialize", "no device")
	}
	if err := validateBatch(cfg, refs, queries, limits); err != nil {
		metrics.SessionErrors.WithLabelValues(KindOf(err).String()).Inc()
		return nil, err
	}

	s := &Session{
		id:     uuid.New(),
		dev:    dev,
		cfg:    cfg,
		limits: limits,
		jobs:   len(refs),
	}
	s.logger = logger.Named("session").With(
		zap.String("session_id", s.id.String()),
		zap.Int("device_id", dev.ID()))
	s.bufs = NewBufferManager(dev, s.logger)

	if err := s.initialize(refs, queries); err != nil {
		metrics.SessionErrors.WithLabelValues(KindOf(err).String()).Inc()
		if cerr := s.Cleanup(); cerr != nil {
			s.logger.Warn("cleanup after failed initialize", zap.Error(cerr))
		}
		return nil, err
	}
	return s, nil
}

func validateBatch(cfg AlignmentConfig, refs, queries []string, limits Limits) error {
	if err := cfg.Validate(); err != nil {
		return usageError(KindInvalidArgument, "initialize", "scoring: %w", err)
	}
	if limits.MaxRefLen < 0 || limits.MaxQueryLen < 0 || limits.BatchSize < 0 {
		return usageError(KindInvalidArgument, "initialize", "negative limits %+v", limits)
	}
	if limits.MaxRefLen > MaxSequenceLength || limits.MaxQueryLen > MaxSequenceLength {
		return usageError(KindInvalidArgument, "initialize",
			"maximum lengths %d/%d exceed %d", limits.MaxRefLen, limits.MaxQueryLen, MaxSequenceLength)
	}
	if len(refs) != len(queries) {
		return usageError(KindInvalidArgument, "initialize", "%d references but %d queries", len(refs), len(queries))
	}
	if len(refs) > limits.BatchSize {
		return usageError(KindInvalidArgument, "initialize", "%d jobs exceed batch size %d", len(refs), limits.BatchSize)
	}
	for i := range refs {
		if len(refs[i]) > limits.MaxRefLen {
			return usageError(KindSequenceTooLong, "initialize",
				"reference %d has length %d, limit is %d", i, len(refs[i]), limits.MaxRefLen)
		}
		if len(queries[i]) > limits.MaxQueryLen {
			return usageError(KindSequenceTooLong, "initialize",
				"query %d has length %d, limit is %d", i, len(queries[i]), limits.MaxQueryLen)
		}
	}
	return nil
}

func (s *Session) initialize(refs, queries []string) error {
	stream, err := s.dev.NewStream()
	if err != nil {
		return check("cudaStreamCreate", err)
	}
	s.stream = stream

	if err := s.bufs.Allocate(s.limits.BatchSize, s.limits.MaxRefLen, s.limits.MaxQueryLen); err != nil {
		return err
	}

	s.refLen, s.maxRef, err = batch.PackInto(s.bufs.hostRefs.bytes(), s.bufs.refOffsets(), refs)
	if err != nil {
		return usageError(KindInvalidArgument, "pack references", "%w", err)
	}
	s.queryLen, s.maxQuery, err = batch.PackInto(s.bufs.hostQueries.bytes(), s.bufs.queryOffsets(), queries)
	if err != nil {
		return usageError(KindInvalidArgument, "pack queries", "%w", err)
	}

	if err := s.bufs.AllocateSequences(s.refLen, s.queryLen); err != nil {
		return err
	}
	if err := hostToDevice(s.stream, s.bufs, s.jobs, s.refLen, s.queryLen); err != nil {
		return err
	}
	if s.cfg.CIGAR {
		s.logger.Debug("traceback requested, CIGAR strings are not generated")
	}
	s.transition(Initialized,
		zap.Int("jobs", s.jobs),
		zap.Int("packed_ref_bytes", s.refLen),
		zap.Int("packed_query_bytes", s.queryLen))
	return nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Jobs returns the number of alignments in the batch.
func (s *Session) Jobs() int { return s.jobs }

// ObservedMaxLengths returns the longest reference and query in the batch.
func (s *Session) ObservedMaxLengths() (ref, query int) { return s.maxRef, s.maxQuery }

// LaunchConfig returns the geometry of the last launch.
func (s *Session) LaunchConfig() LaunchConfig { return s.launch }

func (s *Session) transition(to State, fields ...zap.Field) {
	from := s.state
	s.state = to
	metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	s.logger.Debug("session state changed",
		append([]zap.Field{zap.Stringer("from", from), zap.Stringer("to", to)}, fields...)...)
}

func (s *Session) require(op string, want State) error {
	if s.state != want {
		metrics.SessionErrors.WithLabelValues(KindInvalidSessionState.String()).Inc()
		return newError(KindInvalidSessionState, op,
			fmt.Errorf("session is %s, %s requires %s", s.state, op, want), 1)
	}
	return nil
}

// KernelLaunch configures and enqueues the alignment kernel, then records the
// event KernelDone polls. It does not block.
func (s *Session) KernelLaunch() error {
	if err := s.require("kernel_launch", Initialized); err != nil {
		return err
	}
	k := gpu.KernelID{Algorithm: s.cfg.Algorithm, SeqType: s.cfg.SeqType}
	s.launch = ConfigureLaunch(s.jobs, s.maxRef, s.maxQuery).
		WithThreadLimit(s.dev.Info().MaxThreadsPerBlock)

	if s.launch.Extended {
		if err := s.dev.SetMaxDynamicSharedMemory(k, s.launch.SharedMemBytes); err != nil {
			return check("cudaFuncSetAttribute", err)
		}
		metrics.KernelSharedMemOptins.Inc()
	}
	if s.jobs > 0 {
		args := s.bufs.kernelArgs()
		args.Scoring = s.cfg.Scoring
		if err := s.stream.Launch(k, s.launch.Dims(), args); err != nil {
			return check("kernel launch "+k.String(), err)
		}
	}
	ev, err := s.stream.Record()
	if err != nil {
		return check("cudaEventRecord", err)
	}
	s.kernel.set(ev)
	s.launchedAt = time.Now()
	metrics.KernelSharedMemBytes.Set(float64(s.launch.SharedMemBytes))
	s.transition(Launched,
		zap.Stringer("kernel", k),
		zap.Int("grid", s.launch.Grid),
		zap.Int("block", s.launch.Block),
		zap.Int("shared_mem_bytes", s.launch.SharedMemBytes),
		zap.Bool("extended_shared_mem", s.launch.Extended))
	return nil
}

// KernelDone reports, without blocking, whether the kernel has finished. It
// is false before KernelLaunch and stays true once observed.
func (s *Session) KernelDone() (bool, error) {
	metrics.PollIterations.WithLabelValues("kernel").Inc()
	done, err := s.kernel.poll()
	if err != nil {
		return false, err
	}
	if done && s.state == Launched {
		metrics.KernelDuration.Observe(float64(time.Since(s.launchedAt).Microseconds()) / 1000)
		s.transition(KernelDone)
	}
	return done, nil
}

// MemCpyDTH enqueues the copies of the results into pinned host memory.
func (s *Session) MemCpyDTH() error {
	if err := s.require("mem_cpy_dth", KernelDone); err != nil {
		return err
	}
	if err := deviceToHost(s.stream, s.bufs, s.jobs); err != nil {
		return err
	}
	ev, err := s.stream.Record()
	if err != nil {
		return check("cudaEventRecord", err)
	}
	s.dth.set(ev)
	s.transition(TransferIssued)
	return nil
}

// DTHDone reports, without blocking, whether the result copies have
// finished. It is false before MemCpyDTH and stays true once observed.
func (s *Session) DTHDone() (bool, error) {
	metrics.PollIterations.WithLabelValues("dth").Inc()
	done, err := s.dth.poll()
	if err != nil {
		return false, err
	}
	if done && s.state == TransferIssued {
		s.transition(TransferDone)
	}
	return done, nil
}

// WaitKernel polls KernelDone until it reports true or ctx is done.
func (s *Session) WaitKernel(ctx context.Context) error {
	if s.state < Launched || s.state == CleanedUp {
		return s.require("wait_kernel", Launched)
	}
	return pollUntil(ctx, DefaultPollInterval, s.KernelDone)
}

// WaitDTH polls DTHDone until it reports true or ctx is done.
func (s *Session) WaitDTH(ctx context.Context) error {
	if s.state < TransferIssued || s.state == CleanedUp {
		return s.require("wait_dth", TransferIssued)
	}
	return pollUntil(ctx, DefaultPollInterval, s.DTHDone)
}

// GetAlignments copies the results out of pinned memory. It never blocks;
// the transfer must have been observed complete.
func (s *Session) GetAlignments() (*ResultSet, error) {
	if s.state != ResultsRetrieved {
		if err := s.require("get_alignments", TransferDone); err != nil {
			return nil, err
		}
	}
	out := func(i int) []int16 {
		return append(make([]int16, 0, s.jobs), s.bufs.hostResult(i)[:s.jobs]...)
	}
	rs := &ResultSet{
		Scores:     out(resScore),
		RefBegin:   out(resRefBegin),
		RefEnd:     out(resRefEnd),
		QueryBegin: out(resQueryBegin),
		QueryEnd:   out(resQueryEnd),
	}
	if s.state == TransferDone {
		s.transition(ResultsRetrieved)
	}
	return rs, nil
}

// Cleanup waits for queued work on the stream, then releases every buffer,
// event and the stream. It is valid in any state and idempotent.
func (s *Session) Cleanup() error {
	if s.state == CleanedUp {
		return nil
	}
	var err error
	if s.stream != nil {
		err = multierr.Append(err, check("cudaStreamSynchronize", s.stream.Synchronize()))
	}
	err = multierr.Append(err, s.kernel.release())
	err = multierr.Append(err, s.dth.release())
	err = multierr.Append(err, s.bufs.Release())
	if s.stream != nil {
		err = multierr.Append(err, check("cudaStreamDestroy", s.stream.Destroy()))
		s.stream = nil
	}
	s.transition(CleanedUp)
	if err != nil {
		s.logger.Error("session cleanup failed", zap.Error(err))
	}
	return err
}
