package kernel

import (
	"fmt"
	"math"
	"strings"
)

// Algorithm selects the alignment recurrence run by the kernel.
type Algorithm uint8

const (
	// Local is Smith-Waterman with affine gaps.
	Local Algorithm = iota
	// Global is Needleman-Wunsch with affine gaps.
	Global
)

func (a Algorithm) String() string {
	switch a {
	case Local:
		return "local"
	case Global:
		return "global"
	default:
		return fmt.Sprintf("algorithm(%d)", a)
	}
}

// ParseAlgorithm accepts "local"/"sw" and "global"/"nw".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "sw", "":
		return Local, nil
	case "global", "nw":
		return Global, nil
	default:
		return 0, fmt.Errorf("unknown alignment algorithm: %q", s)
	}
}

// SeqType is the sequence alphabet.
type SeqType uint8

const (
	DNA SeqType = iota
	Protein
)

func (t SeqType) String() string {
	switch t {
	case DNA:
		return "dna"
	case Protein:
		return "protein"
	default:
		return fmt.Sprintf("seqtype(%d)", t)
	}
}

// ParseSeqType accepts "dna"/"nucleotide" and "protein"/"aa".
func ParseSeqType(s string) (SeqType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dna", "nucleotide", "":
		return DNA, nil
	case "protein", "aa", "amino-acid":
		return Protein, nil
	default:
		return 0, fmt.Errorf("unknown sequence type: %q", s)
	}
}

// SubstitutionMatrix scores residue pairs. Scores is square with one row per
// Alphabet symbol.
type SubstitutionMatrix struct {
	Alphabet string
	Scores   [][]int16
}

// Validate checks that the matrix is square and matches its alphabet.
func (m *SubstitutionMatrix) Validate() error {
	n := len(m.Alphabet)
	if n == 0 {
		return fmt.Errorf("substitution matrix has an empty alphabet")
	}
	if len(m.Scores) != n {
		return fmt.Errorf("substitution matrix has %d rows, alphabet has %d symbols", len(m.Scores), n)
	}
	for i, row := range m.Scores {
		if len(row) != n {
			return fmt.Errorf("substitution matrix row %d has %d columns, expected %d", i, len(row), n)
		}
	}
	return nil
}

// Scoring holds the scoring parameters handed to the kernel. When Matrix is
// set it replaces Match/Mismatch.
type Scoring struct {
	Match     int16
	Mismatch  int16
	GapOpen   int16
	GapExtend int16
	Matrix    *SubstitutionMatrix
}

// Validate rejects positive gap penalties and malformed matrices.
func (s Scoring) Validate() error {
	if s.GapOpen > 0 || s.GapExtend > 0 {
		return fmt.Errorf("gap penalties must be <= 0, got open=%d extend=%d", s.GapOpen, s.GapExtend)
	}
	if s.Matrix != nil {
		return s.Matrix.Validate()
	}
	return nil
}

// Table is a byte-pair lookup built from a Scoring.
type Table [256][256]int16

// Table expands the scoring parameters into a pair table. Lookups fold
// lowercase letters; residues missing from a matrix alphabet score as 'X',
// or as the last symbol when the alphabet has no 'X'.
func (s Scoring) Table() *Table {
	t := new(Table)
	if s.Matrix == nil {
		for a := 0; a < 256; a++ {
			for b := 0; b < 256; b++ {
				if fold(byte(a)) == fold(byte(b)) {
					t[a][b] = s.Match
				} else {
					t[a][b] = s.Mismatch
				}
			}
		}
		return t
	}

	fallback := strings.IndexByte(s.Matrix.Alphabet, 'X')
	if fallback < 0 {
		fallback = len(s.Matrix.Alphabet) - 1
	}
	var idx [256]int
	for c := 0; c < 256; c++ {
		i := strings.IndexByte(s.Matrix.Alphabet, fold(byte(c)))
		if i < 0 {
			i = fallback
		}
		idx[c] = i
	}
	for a := 0; a < 256; a++ {
		for b := 0; b < 256; b++ {
			t[a][b] = s.Matrix.Scores[idx[a]][idx[b]]
		}
	}
	return t
}

func fold(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// Result is one alignment. Begin coordinates are zero-based, end coordinates
// exclusive.
type Result struct {
	Score      int
	RefBegin   int
	RefEnd     int
	QueryBegin int
	QueryEnd   int
}

// Align aligns one pair on the host.
func Align(ref, query []byte, alg Algorithm, sc Scoring) Result {
	return alignWith(ref, query, alg, sc.Table(), int(sc.GapOpen), int(sc.GapExtend))
}

func alignWith(ref, query []byte, alg Algorithm, t *Table, open, ext int) Result {
	if alg == Global {
		return global(ref, query, t, open, ext)
	}
	return local(ref, query, t, open, ext)
}

const negInf = math.MinInt32 / 2

type origin struct{ r, q int }

// local runs Gotoh's recurrence keeping one row of H and F, and carries the
// origin of every cell so the begin coordinates come out of a single pass.
// A gap of length k costs open + (k-1)*ext.
func local(ref, query []byte, t *Table, open, ext int) Result {
	m := len(query)
	h := make([]int, m+1)
	ho := make([]origin, m+1)
	f := make([]int, m+1)
	fo := make([]origin, m+1)
	for j := range h {
		ho[j] = origin{0, j}
		f[j] = negInf
	}

	var best Result
	for i := 1; i <= len(ref); i++ {
		diag, diagO := h[0], ho[0]
		h[0], ho[0] = 0, origin{i, 0}
		e := negInf
		var eo origin
		row := &t[ref[i-1]]
		for j := 1; j <= m; j++ {
			if g := h[j-1] + open; g >= e+ext {
				e, eo = g, ho[j-1]
			} else {
				e += ext
			}
			if g := h[j] + open; g >= f[j]+ext {
				f[j], fo[j] = g, ho[j]
			} else {
				f[j] += ext
			}

			s, so := diag+int(row[query[j-1]]), diagO
			diag, diagO = h[j], ho[j]
			if e > s {
				s, so = e, eo
			}
			if f[j] > s {
				s, so = f[j], fo[j]
			}
			if s <= 0 {
				s, so = 0, origin{i, j}
			}
			h[j], ho[j] = s, so

			if s > best.Score {
				best = Result{Score: s, RefBegin: so.r, RefEnd: i, QueryBegin: so.q, QueryEnd: j}
			}
		}
	}
	return best
}

func global(ref, query []byte, t *Table, open, ext int) Result {
	m := len(query)
	h := make([]int, m+1)
	f := make([]int, m+1)
	for j := 1; j <= m; j++ {
		h[j] = open + (j-1)*ext
	}
	for j := range f {
		f[j] = negInf
	}

	for i := 1; i <= len(ref); i++ {
		diag := h[0]
		h[0] = open + (i-1)*ext
		e := negInf
		row := &t[ref[i-1]]
		for j := 1; j <= m; j++ {
			e = max(h[j-1]+open, e+ext)
			f[j] = max(h[j]+open, f[j]+ext)
			s := diag + int(row[query[j-1]])
			diag = h[j]
			h[j] = max(s, e, f[j])
		}
	}
	return Result{Score: h[m], RefEnd: len(ref), QueryEnd: m}
}
