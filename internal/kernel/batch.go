package kernel

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Batch is the argument block of one kernel launch: packed sequences, their
// cumulative offset tables and the five per-job output arrays. Job i reads
// Refs[RefOffsets[i-1]:RefOffsets[i]] (with RefOffsets[-1] = 0).
type Batch struct {
	Refs         []byte
	Queries      []byte
	RefOffsets   []uint32
	QueryOffsets []uint32

	Scores     []int16
	RefBegin   []int16
	RefEnd     []int16
	QueryBegin []int16
	QueryEnd   []int16
}

// Run executes one block per job, at most parallelism blocks at a time.
// parallelism <= 0 means GOMAXPROCS.
func (b *Batch) Run(ctx context.Context, jobs int, alg Algorithm, sc Scoring, parallelism int) error {
	if err := b.check(jobs); err != nil {
		return err
	}
	if jobs == 0 {
		return nil
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	table := sc.Table()
	open, ext := int(sc.GapOpen), int(sc.GapExtend)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := 0; i < jobs; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ref, err := segment(b.Refs, b.RefOffsets, i)
			if err != nil {
				return fmt.Errorf("block %d: reference: %w", i, err)
			}
			query, err := segment(b.Queries, b.QueryOffsets, i)
			if err != nil {
				return fmt.Errorf("block %d: query: %w", i, err)
			}
			r := alignWith(ref, query, alg, table, open, ext)
			b.Scores[i] = clamp16(r.Score)
			b.RefBegin[i] = int16(r.RefBegin)
			b.RefEnd[i] = int16(r.RefEnd)
			b.QueryBegin[i] = int16(r.QueryBegin)
			b.QueryEnd[i] = int16(r.QueryEnd)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// The group context is always cancelled after Wait; only the caller's
	// cancellation counts.
	return ctx.Err()
}

func (b *Batch) check(jobs int) error {
	if jobs < 0 {
		return fmt.Errorf("negative job count %d", jobs)
	}
	for name, n := range map[string]int{
		"ref offsets":   len(b.RefOffsets),
		"query offsets": len(b.QueryOffsets),
		"scores":        len(b.Scores),
		"ref begin":     len(b.RefBegin),
		"ref end":       len(b.RefEnd),
		"query begin":   len(b.QueryBegin),
		"query end":     len(b.QueryEnd),
	} {
		if n < jobs {
			return fmt.Errorf("%s hold %d entries, launch needs %d", name, n, jobs)
		}
	}
	return nil
}

func segment(data []byte, offsets []uint32, i int) ([]byte, error) {
	var begin uint32
	if i > 0 {
		begin = offsets[i-1]
	}
	end := offsets[i]
	if end < begin || int(end) > len(data) {
		return nil, fmt.Errorf("offsets [%d, %d) outside packed buffer of %d bytes", begin, end, len(data))
	}
	return data[begin:end], nil
}

func clamp16(v int) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
