// Package seqio reads reference and query sequences from paired files.
package seqio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrHeaderMismatch is returned when only one file has a header line at a
// given position.
var ErrHeaderMismatch = errors.New("mismatch in lines")

// maxLineBytes bounds one input line.
const maxLineBytes = 16 << 20

// Limits filter pairs by length. Zero disables a bound.
type Limits struct {
	MaxRefLen   int
	MaxQueryLen int
}

// Pairs are the sequences read from a reference and a query file.
type Pairs struct {
	Refs    []string
	Queries []string
	// Skipped counts pairs dropped for exceeding Limits.
	Skipped int
}

// Len returns the number of pairs kept.
func (p *Pairs) Len() int { return len(p.Refs) }

// ReadPairs opens both files and reads them with Read.
func ReadPairs(refPath, queryPath string, limits Limits) (*Pairs, error) {
	rf, err := os.Open(refPath)
	if err != nil {
		return nil, err
	}
	defer rf.Close()
	qf, err := os.Open(queryPath)
	if err != nil {
		return nil, err
	}
	defer qf.Close()
	return Read(rf, qf, limits)
}

// Read reads one sequence per line from both readers in lockstep. Lines
// starting with '>' are headers and must appear at the same position in both
// inputs. A pair with either side over its limit is skipped and counted.
func Read(refs, queries io.Reader, limits Limits) (*Pairs, error) {
	rs := newScanner(refs)
	qs := newScanner(queries)
	p := &Pairs{}

	for line := 1; rs.Scan(); line++ {
		if !qs.Scan() {
			if err := qs.Err(); err != nil {
				return nil, fmt.Errorf("reading queries: %w", err)
			}
			return nil, fmt.Errorf("query input ended at line %d before the reference input", line)
		}
		ref := strings.TrimSuffix(rs.Text(), "\r")
		query := strings.TrimSuffix(qs.Text(), "\r")

		refHeader, queryHeader := strings.HasPrefix(ref, ">"), strings.HasPrefix(query, ">")
		if refHeader != queryHeader {
			return nil, fmt.Errorf("%w at line %d", ErrHeaderMismatch, line)
		}
		if refHeader {
			continue
		}
		if exceeds(len(ref), limits.MaxRefLen) || exceeds(len(query), limits.MaxQueryLen) {
			p.Skipped++
			continue
		}
		p.Refs = append(p.Refs, ref)
		p.Queries = append(p.Queries, query)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("reading references: %w", err)
	}
	return p, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return s
}

func exceeds(n, limit int) bool {
	return limit > 0 && n > limit
}
