package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dnaScoring = Scoring{Match: 1, Mismatch: -1, GapOpen: -2, GapExtend: -1}

func TestAlign_Local(t *testing.T) {
	testCases := []struct {
		name     string
		ref      string
		query    string
		expected Result
	}{
		{
			name:     "shared prefix",
			ref:      "ACGT",
			query:    "ACGG",
			expected: Result{Score: 3, RefBegin: 0, RefEnd: 3, QueryBegin: 0, QueryEnd: 3},
		},
		{
			name:     "identical",
			ref:      "AC",
			query:    "AC",
			expected: Result{Score: 2, RefBegin: 0, RefEnd: 2, QueryBegin: 0, QueryEnd: 2},
		},
		{
			name:     "embedded match",
			ref:      "TTTACGTTT",
			query:    "GACGA",
			expected: Result{Score: 3, RefBegin: 3, RefEnd: 6, QueryBegin: 1, QueryEnd: 4},
		},
		{
			name:     "no similarity",
			ref:      "AAAA",
			query:    "CCCC",
			expected: Result{},
		},
		{
			name:     "empty query",
			ref:      "ACGT",
			query:    "",
			expected: Result{},
		},
		{
			name:     "lowercase folds",
			ref:      "acgt",
			query:    "ACGT",
			expected: Result{Score: 4, RefBegin: 0, RefEnd: 4, QueryBegin: 0, QueryEnd: 4},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := Align([]byte(tc.ref), []byte(tc.query), Local, dnaScoring)
			assert.Equal(t, tc.expected, r)
		})
	}
}

func TestAlign_LocalAffineGap(t *testing.T) {
	sc := Scoring{Match: 3, Mismatch: -3, GapOpen: -4, GapExtend: -1}
	// ACGTACGT vs ACGTTTACGT: 8 matches and a gap of 2 in the reference.
	r := Align([]byte("ACGTACGT"), []byte("ACGTTTACGT"), Local, sc)
	assert.Equal(t, 8*3-4-1, r.Score)
	assert.Equal(t, 0, r.RefBegin)
	assert.Equal(t, 8, r.RefEnd)
	assert.Equal(t, 0, r.QueryBegin)
	assert.Equal(t, 10, r.QueryEnd)
}

func TestAlign_Global(t *testing.T) {
	r := Align([]byte("ACGT"), []byte("ACGG"), Global, dnaScoring)
	assert.Equal(t, Result{Score: 2, RefEnd: 4, QueryEnd: 4}, r)

	// Gap of three: open + 2*extend.
	r = Align([]byte("AAA"), []byte(""), Global, dnaScoring)
	assert.Equal(t, -4, r.Score)

	r = Align(nil, nil, Global, dnaScoring)
	assert.Equal(t, Result{}, r)
}

func TestAlign_Protein(t *testing.T) {
	sc := Scoring{GapOpen: -6, GapExtend: -1, Matrix: BLOSUM62()}
	require.NoError(t, sc.Validate())

	// W/W scores 11, C/C scores 9.
	r := Align([]byte("WC"), []byte("WC"), Local, sc)
	assert.Equal(t, 20, r.Score)
	assert.Equal(t, 2, r.RefEnd)

	// Unknown residues fall back to X.
	table := sc.Table()
	assert.Equal(t, int16(-1), table['J']['X'])
	assert.Equal(t, table['x']['a'], table['X']['A'])
}

func TestScoring_Validate(t *testing.T) {
	assert.NoError(t, dnaScoring.Validate())
	assert.Error(t, Scoring{GapOpen: 1}.Validate())

	bad := BLOSUM62()
	bad.Scores = bad.Scores[:3]
	assert.Error(t, Scoring{Matrix: bad}.Validate())
}

func TestParse(t *testing.T) {
	alg, err := ParseAlgorithm("NW")
	require.NoError(t, err)
	assert.Equal(t, Global, alg)
	_, err = ParseAlgorithm("banded")
	assert.Error(t, err)

	st, err := ParseSeqType("aa")
	require.NoError(t, err)
	assert.Equal(t, Protein, st)
	assert.Equal(t, "dna", DNA.String())
}

func TestBatch_Run(t *testing.T) {
	b := &Batch{
		Refs:         []byte("ACGTAC"),
		Queries:      []byte("ACGGAC"),
		RefOffsets:   []uint32{4, 6},
		QueryOffsets: []uint32{4, 6},
		Scores:       make([]int16, 2),
		RefBegin:     make([]int16, 2),
		RefEnd:       make([]int16, 2),
		QueryBegin:   make([]int16, 2),
		QueryEnd:     make([]int16, 2),
	}
	require.NoError(t, b.Run(context.Background(), 2, Local, dnaScoring, 0))
	assert.Equal(t, []int16{3, 2}, b.Scores)
	assert.Equal(t, []int16{3, 2}, b.RefEnd)
	assert.Equal(t, []int16{0, 0}, b.QueryBegin)

	t.Run("offsets out of range", func(t *testing.T) {
		b.RefOffsets = []uint32{4, 9}
		assert.Error(t, b.Run(context.Background(), 2, Local, dnaScoring, 1))
	})

	t.Run("short output arrays", func(t *testing.T) {
		assert.Error(t, b.Run(context.Background(), 3, Local, dnaScoring, 1))
	})
}

func TestBatch_RunManyJobs(t *testing.T) {
	const jobs = 200
	const bases = "ACGT"
	var refs, queries [][]byte
	for i := 0; i < jobs; i++ {
		r := make([]byte, 20+i%13)
		q := make([]byte, 8+i%9)
		for j := range r {
			r[j] = bases[(i*3+j*5)%4]
		}
		for j := range q {
			q[j] = bases[(i+j*7)%4]
		}
		refs = append(refs, r)
		queries = append(queries, q)
	}

	pack := func(seqs [][]byte) ([]byte, []uint32) {
		var data []byte
		offsets := make([]uint32, 0, len(seqs))
		for _, s := range seqs {
			data = append(data, s...)
			offsets = append(offsets, uint32(len(data)))
		}
		return data, offsets
	}

	for _, parallelism := range []int{1, 4, 0} {
		t.Run(fmt.Sprintf("parallelism %d", parallelism), func(t *testing.T) {
			refData, refOffsets := pack(refs)
			queryData, queryOffsets := pack(queries)
			b := &Batch{
				Refs:         refData,
				Queries:      queryData,
				RefOffsets:   refOffsets,
				QueryOffsets: queryOffsets,
				Scores:       make([]int16, jobs),
				RefBegin:     make([]int16, jobs),
				RefEnd:       make([]int16, jobs),
				QueryBegin:   make([]int16, jobs),
				QueryEnd:     make([]int16, jobs),
			}
			require.NoError(t, b.Run(context.Background(), jobs, Local, dnaScoring, parallelism))
			for i := 0; i < jobs; i++ {
				want := Align(refs[i], queries[i], Local, dnaScoring)
				got := Result{
					Score:      int(b.Scores[i]),
					RefBegin:   int(b.RefBegin[i]),
					RefEnd:     int(b.RefEnd[i]),
					QueryBegin: int(b.QueryBegin[i]),
					QueryEnd:   int(b.QueryEnd[i]),
				}
				assert.Equal(t, want, got, "job %d", i)
			}
		})
	}

	t.Run("cancelled context", func(t *testing.T) {
		refData, refOffsets := pack(refs)
		queryData, queryOffsets := pack(queries)
		b := &Batch{
			Refs: refData, Queries: queryData,
			RefOffsets: refOffsets, QueryOffsets: queryOffsets,
			Scores: make([]int16, jobs), RefBegin: make([]int16, jobs), RefEnd: make([]int16, jobs),
			QueryBegin: make([]int16, jobs), QueryEnd: make([]int16, jobs),
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, b.Run(ctx, jobs, Local, dnaScoring, 2), context.Canceled)
	})
}
