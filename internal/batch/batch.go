// Package batch packs ragged sequence batches into flat buffers indexed by
// cumulative offset tables.
package batch

import (
	"errors"
	"fmt"
	"math"
)

// ErrBufferTooSmall is returned by PackInto when the destination cannot hold
// the packed batch.
var ErrBufferTooSmall = errors.New("packed buffer too small")

// PackedBuffer holds sequences back to back. Offsets[i] is the cumulative
// length of sequences 0..i, so sequence i occupies
// Data[Offsets[i-1]:Offsets[i]] with Offsets[-1] = 0.
type PackedBuffer struct {
	Data    []byte
	Offsets []uint32
	MaxLen  int
}

// Len returns the number of packed sequences.
func (p *PackedBuffer) Len() int { return len(p.Offsets) }

// Total returns the packed length in bytes.
func (p *PackedBuffer) Total() int {
	if len(p.Offsets) == 0 {
		return 0
	}
	return int(p.Offsets[len(p.Offsets)-1])
}

// Sequence returns sequence i as a view into Data.
func (p *PackedBuffer) Sequence(i int) []byte {
	var begin uint32
	if i > 0 {
		begin = p.Offsets[i-1]
	}
	return p.Data[begin:p.Offsets[i]]
}

// Unpack copies every sequence back out of the buffer.
func (p *PackedBuffer) Unpack() []string {
	out := make([]string, p.Len())
	for i := range out {
		out[i] = string(p.Sequence(i))
	}
	return out
}

// Pack copies seqs into a freshly allocated PackedBuffer.
func Pack(seqs []string) (*PackedBuffer, error) {
	offsets := make([]uint32, len(seqs))
	total, maxLen, err := Offsets(offsets, seqs)
	if err != nil {
		return nil, err
	}
	p := &PackedBuffer{Data: make([]byte, total), Offsets: offsets, MaxLen: maxLen}
	fill(p.Data, offsets, seqs)
	return p, nil
}

// PackInto writes seqs into caller-owned chars and offsets, typically pinned
// host memory sized for the worst case. It returns the packed length and the
// longest sequence. Nothing is written to chars unless the batch fits.
func PackInto(chars []byte, offsets []uint32, seqs []string) (total, maxLen int, err error) {
	if len(offsets) < len(seqs) {
		return 0, 0, fmt.Errorf("%w: offset table holds %d entries, batch has %d", ErrBufferTooSmall, len(offsets), len(seqs))
	}
	total, maxLen, err = Offsets(offsets[:len(seqs)], seqs)
	if err != nil {
		return 0, 0, err
	}
	if total > len(chars) {
		return 0, 0, fmt.Errorf("%w: batch packs to %d bytes, buffer holds %d", ErrBufferTooSmall, total, len(chars))
	}
	fill(chars, offsets, seqs)
	return total, maxLen, nil
}

// Offsets fills offsets with the running sum of sequence lengths.
func Offsets(offsets []uint32, seqs []string) (total, maxLen int, err error) {
	var sum uint64
	for i, s := range seqs {
		sum += uint64(len(s))
		if sum > math.MaxUint32 {
			return 0, 0, fmt.Errorf("batch exceeds %d packed bytes at sequence %d", uint64(math.MaxUint32), i)
		}
		offsets[i] = uint32(sum)
		maxLen = max(maxLen, len(s))
	}
	return int(sum), maxLen, nil
}

func fill(chars []byte, offsets []uint32, seqs []string) {
	var begin uint32
	for i, s := range seqs {
		copy(chars[begin:offsets[i]], s)
		begin = offsets[i]
	}
}

// MaxLength returns the length of the longest sequence.
func MaxLength(seqs []string) int {
	n := 0
	for _, s := range seqs {
		n = max(n, len(s))
	}
	return n
}
