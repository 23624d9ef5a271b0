// Package chunk splits contiguous buffers into bounded-size chunks and
// reassembles them.
//
// Chunks produced by Split are views into the source buffer. Callers treat
// both as immutable; anything that crosses an isolation boundary is copied by
// the transport, not here.
package chunk

import (
	"fmt"
)

// DefaultSize is 2 GiB, which keeps a single chunk below the payload ceiling
// of the message channels this was first run against.
const DefaultSize int64 = 2 << 30

// Sequence is an ordered list of chunks that concatenate to one buffer.
type Sequence [][]byte

// Len returns the total number of bytes in the sequence.
func (s Sequence) Len() int64 {
	var n int64
	for _, c := range s {
		n += int64(len(c))
	}
	return n
}

// Count returns ceil(total/size).
func Count(total, size int64) (int, error) {
	if size <= 0 {
		return 0, &SizeError{Size: size}
	}
	if total < 0 {
		return 0, fmt.Errorf("negative buffer length %d", total)
	}
	n := total / size
	if total%size != 0 {
		n++
	}
	return int(n), nil
}

// Sizes returns the length of each chunk Split would produce for a buffer of
// total bytes, without touching any data. Exact multiples of size get no
// trailing empty chunk.
func Sizes(total, size int64) ([]int64, error) {
	n, err := Count(total, size)
	if err != nil {
		return nil, err
	}

	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = size
	}
	if rem := total % size; rem != 0 {
		sizes[n-1] = rem
	}
	return sizes, nil
}

// Split cuts buf into chunks of exactly size bytes, the last one holding the
// remainder. An empty buf yields an empty sequence.
func Split(buf []byte, size int64) (Sequence, error) {
	n, err := Count(int64(len(buf)), size)
	if err != nil {
		return nil, err
	}

	seq := make(Sequence, 0, n)
	total := int64(len(buf))
	for off := int64(0); off < total; off += size {
		end := off + size
		if end > total {
			end = total
		}
		// Cap capacity so an append on one chunk cannot bleed into the next.
		seq = append(seq, buf[off:end:end])
	}
	return seq, nil
}

// Concat copies every chunk, in order, into one newly allocated buffer.
func Concat(seq Sequence) []byte {
	out := make([]byte, seq.Len())

	var off int
	for _, c := range seq {
		off += copy(out[off:], c)
	}
	return out
}

// Validate reports whether seq is what Split(buf, size) would have produced
// for some buf of length total.
func Validate(seq Sequence, size, total int64) error {
	want, err := Count(total, size)
	if err != nil {
		return err
	}
	if len(seq) != want {
		return &SequenceError{
			Index:  -1,
			Reason: fmt.Sprintf("got %d chunks, want %d for %d bytes", len(seq), want, total),
		}
	}

	var sum int64
	for i, c := range seq {
		l := int64(len(c))
		last := i == len(seq)-1
		switch {
		case l == 0:
			return &SequenceError{Index: i, Reason: "empty chunk"}
		case l > size:
			return &SequenceError{Index: i, Reason: fmt.Sprintf("length %d exceeds chunk size %d", l, size)}
		case !last && l != size:
			return &SequenceError{Index: i, Reason: fmt.Sprintf("short chunk of %d bytes before the tail", l)}
		}
		sum += l
	}

	if sum != total {
		return &SequenceError{
			Index:  -1,
			Reason: fmt.Sprintf("chunks hold %d bytes, want %d", sum, total),
		}
	}
	return nil
}
