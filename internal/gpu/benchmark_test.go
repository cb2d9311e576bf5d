package gpu

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/fxnlabs/gpu-aligner/internal/kernel"
	"go.uber.org/zap"
)

func randomDNA(r *rand.Rand, n int) []byte {
	const bases = "ACGT"
	b := make([]byte, n)
	for i := range b {
		b[i] = bases[r.Intn(len(bases))]
	}
	return b
}

func BenchmarkCPULaunch(b *testing.B) {
	backend := NewCPUBackend(zap.NewNop())
	if err := backend.Initialize(); err != nil {
		b.Fatal(err)
	}
	dev, err := backend.OpenDevice(0)
	if err != nil {
		b.Fatal(err)
	}
	defer dev.Close()

	for _, jobs := range []int{16, 256} {
		b.Run(fmt.Sprintf("jobs_%d", jobs), func(b *testing.B) {
			stream, err := dev.NewStream()
			if err != nil {
				b.Fatal(err)
			}
			defer stream.Destroy()

			r := rand.New(rand.NewSource(1))
			const refLen, queryLen = 300, 150
			refs := make([]byte, 0, jobs*refLen)
			queries := make([]byte, 0, jobs*queryLen)
			refOffs := make([]byte, 4*jobs)
			queryOffs := make([]byte, 4*jobs)
			for i := 0; i < jobs; i++ {
				refs = append(refs, randomDNA(r, refLen)...)
				queries = append(queries, randomDNA(r, queryLen)...)
				Uint32s(refOffs)[i] = uint32(len(refs))
				Uint32s(queryOffs)[i] = uint32(len(queries))
			}

			alloc := func(src []byte, n int) DeviceMem {
				m, err := dev.Malloc(n)
				if err != nil {
					b.Fatal(err)
				}
				if src != nil {
					if err := stream.CopyToDevice(m, src); err != nil {
						b.Fatal(err)
					}
				}
				return m
			}
			args := KernelArgs{
				Refs:         alloc(refs, len(refs)),
				Queries:      alloc(queries, len(queries)),
				RefOffsets:   alloc(refOffs, len(refOffs)),
				QueryOffsets: alloc(queryOffs, len(queryOffs)),
				Scores:       alloc(nil, 2*jobs),
				RefBegin:     alloc(nil, 2*jobs),
				RefEnd:       alloc(nil, 2*jobs),
				QueryBegin:   alloc(nil, 2*jobs),
				QueryEnd:     alloc(nil, 2*jobs),
				Scoring:      kernel.Scoring{Match: 3, Mismatch: -3, GapOpen: -6, GapExtend: -1},
			}
			dims := LaunchDims{Grid: jobs, Block: queryLen, SharedMemBytes: 0}
			k := KernelID{Algorithm: kernel.Local, SeqType: kernel.DNA}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := stream.Launch(k, dims, args); err != nil {
					b.Fatal(err)
				}
				if err := stream.Synchronize(); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportMetric(float64(jobs*refLen*queryLen)*float64(b.N)/b.Elapsed().Seconds()/1e6, "Mcells/s")
		})
	}
}
