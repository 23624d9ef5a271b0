package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is matched by every *SizeError.
var ErrInvalidSize = errors.New("chunk size must be positive")

// SizeError occurs when a non-positive chunk size is supplied.
type SizeError struct {
	Size int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("invalid chunk size %d: must be > 0", e.Size)
}

func (e *SizeError) Is(target error) bool {
	return target == ErrInvalidSize
}

// SequenceError occurs when a chunk sequence does not reassemble into the
// buffer it claims to describe.
type SequenceError struct {
	Index  int
	Reason string
}

func (e *SequenceError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed chunk sequence: %s", e.Reason)
	}
	return fmt.Sprintf("malformed chunk sequence at chunk %d: %s", e.Index, e.Reason)
}
