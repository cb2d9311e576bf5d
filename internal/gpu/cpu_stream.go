package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxnlabs/gpu-aligner/internal/kernel"
)

// cpuStream runs queued operations in order on one worker goroutine.
// enqueued and completed are sequence numbers; an event recorded at sequence
// n is complete once completed >= n. The first failing operation sets a
// sticky error and later operations are skipped, as a faulted CUDA context
// would.
type cpuStream struct {
	dev *cpuDevice

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []func() error
	enqueued  uint64
	completed uint64
	err       error
	closed    bool
	done      chan struct{}
}

func newCPUStream(d *cpuDevice) *cpuStream {
	s := &cpuStream{dev: d, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *cpuStream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		failed := s.err != nil
		s.mu.Unlock()

		var err error
		if !failed {
			err = op()
		}

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.completed++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *cpuStream) enqueue(op func() error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamDestroyed
	}
	if s.err != nil {
		return 0, s.err
	}
	s.queue = append(s.queue, op)
	s.enqueued++
	s.cond.Broadcast()
	return s.enqueued, nil
}

func (s *cpuStream) CopyToDevice(dst DeviceMem, src []byte) error {
	d, err := s.dev.deviceBytes(dst, "copy destination")
	if err != nil {
		return err
	}
	if len(src) > len(d) {
		return fmt.Errorf("%w: copy of %d bytes into %d byte device buffer", ErrInvalidValue, len(src), len(d))
	}
	_, err = s.enqueue(func() error {
		copy(d, src)
		return nil
	})
	return err
}

func (s *cpuStream) CopyToHost(dst []byte, src DeviceMem) error {
	b, err := s.dev.deviceBytes(src, "copy source")
	if err != nil {
		return err
	}
	if len(dst) > len(b) {
		return fmt.Errorf("%w: copy of %d bytes from %d byte device buffer", ErrInvalidValue, len(dst), len(b))
	}
	_, err = s.enqueue(func() error {
		copy(dst, b)
		return nil
	})
	return err
}

func (s *cpuStream) Launch(k KernelID, dims LaunchDims, args KernelArgs) error {
	if dims.Grid < 0 || dims.Block < 1 || dims.Block > cpuMaxThreadsPerBlock {
		return fmt.Errorf("%w: launch geometry grid=%d block=%d", ErrInvalidValue, dims.Grid, dims.Block)
	}
	if limit := s.dev.sharedMemLimit(k); dims.SharedMemBytes > limit {
		return fmt.Errorf("%w: %s needs %d bytes of shared memory, limit is %d",
			ErrLaunchOutOfResources, k, dims.SharedMemBytes, limit)
	}

	var bufs [9][]byte
	for i, m := range []struct {
		name string
		mem  DeviceMem
	}{
		{"refs", args.Refs}, {"queries", args.Queries},
		{"ref offsets", args.RefOffsets}, {"query offsets", args.QueryOffsets},
		{"scores", args.Scores}, {"ref begin", args.RefBegin}, {"ref end", args.RefEnd},
		{"query begin", args.QueryBegin}, {"query end", args.QueryEnd},
	} {
		b, err := s.dev.deviceBytes(m.mem, m.name)
		if err != nil {
			return err
		}
		bufs[i] = b
	}
	batch := &kernel.Batch{
		Refs:         bufs[0],
		Queries:      bufs[1],
		RefOffsets:   Uint32s(bufs[2]),
		QueryOffsets: Uint32s(bufs[3]),
		Scores:       Int16s(bufs[4]),
		RefBegin:     Int16s(bufs[5]),
		RefEnd:       Int16s(bufs[6]),
		QueryBegin:   Int16s(bufs[7]),
		QueryEnd:     Int16s(bufs[8]),
	}
	parallelism := s.dev.backend.parallelism

	_, err := s.enqueue(func() error {
		if err := batch.Run(context.Background(), dims.Grid, k.Algorithm, args.Scoring, parallelism); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		return nil
	})
	return err
}

func (s *cpuStream) EnqueueHostFunc(fn func()) error {
	_, err := s.enqueue(func() error {
		fn()
		return nil
	})
	return err
}

func (s *cpuStream) Record() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamDestroyed
	}
	return &cpuEvent{stream: s, seq: s.enqueued}, nil
}

func (s *cpuStream) Query() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed >= s.enqueued, s.err
}

func (s *cpuStream) Synchronize() error {
	return s.wait(0, true)
}

// wait blocks until the stream has completed seq, or everything when all
// is set.
func (s *cpuStream) wait(seq uint64, all bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		target := seq
		if all {
			target = s.enqueued
		}
		if s.completed >= target {
			return s.err
		}
		s.cond.Wait()
	}
}

func (s *cpuStream) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	return nil
}

type cpuEvent struct {
	stream *cpuStream
	seq    uint64
}

func (e *cpuEvent) Query() (bool, error) {
	e.stream.mu.Lock()
	defer e.stream.mu.Unlock()
	return e.stream.completed >= e.seq, e.stream.err
}

func (e *cpuEvent) Synchronize() error {
	return e.stream.wait(e.seq, false)
}

func (e *cpuEvent) Destroy() error { return nil }
