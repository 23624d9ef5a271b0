package transfer

import (
	"fmt"

	"github.com/woxQAQ/aoxfer/internal/chunk"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
)

// Kind says what an Envelope carries.
type Kind uint8

const (
	// KindRequest carries a memory image plus the message for the worker's compute step.
	KindRequest Kind = iota + 1
	// KindResponse carries the worker's resulting memory image and output.
	KindResponse
	// KindFailure reports that the worker could not complete the round.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the single message type exchanged with a worker. One envelope
// holds one complete chunk sequence.
type Envelope struct {
	Kind      Kind                  `json:"kind"`
	Round     uint64                `json:"round"`
	ChunkSize int64                 `json:"chunk_size"`
	Total     int64                 `json:"total"`
	Message   *protocol.Message     `json:"message,omitempty"`
	Env       *protocol.Environment `json:"env,omitempty"`
	Output    string                `json:"output,omitempty"`
	Error     string                `json:"error,omitempty"`

	// Chunks travel outside the JSON header.
	Chunks chunk.Sequence `json:"-"`
}

// newEnvelope splits memory into an envelope of the given kind.
func newEnvelope(kind Kind, round uint64, chunkSize int64, memory []byte) (*Envelope, error) {
	seq, err := chunk.Split(memory, chunkSize)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:      kind,
		Round:     round,
		ChunkSize: chunkSize,
		Total:     int64(len(memory)),
		Chunks:    seq,
	}, nil
}

func failure(round uint64, err error) *Envelope {
	return &Envelope{Kind: KindFailure, Round: round, Error: err.Error()}
}

// Validate checks the envelope's chunks against its declared size and total.
// Failures carry no chunks.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindFailure:
		if len(e.Chunks) != 0 {
			return fmt.Errorf("failure envelope carries %d chunks", len(e.Chunks))
		}
		return nil
	case KindRequest:
		if e.Message == nil || e.Env == nil {
			return fmt.Errorf("request is missing its message or environment")
		}
	case KindResponse:
	default:
		return fmt.Errorf("unknown envelope kind %d", e.Kind)
	}
	return chunk.Validate(e.Chunks, e.ChunkSize, e.Total)
}

// Memory reassembles the chunk sequence. An empty image is reported as nil,
// which the compute step reads as "no prior memory".
func (e *Envelope) Memory() []byte {
	if e.Total == 0 {
		return nil
	}
	return chunk.Concat(e.Chunks)
}

// clone deep-copies e so nothing is shared across the boundary.
func (e *Envelope) clone() *Envelope {
	c := *e
	if e.Chunks != nil {
		c.Chunks = make(chunk.Sequence, len(e.Chunks))
		for i, b := range e.Chunks {
			c.Chunks[i] = append([]byte(nil), b...)
		}
	}
	if e.Message != nil {
		m := *e.Message
		m.Tags = append([]protocol.Tag(nil), e.Message.Tags...)
		c.Message = &m
	}
	if e.Env != nil {
		env := *e.Env
		env.Process.Tags = append([]protocol.Tag(nil), e.Env.Process.Tags...)
		env.Module.Tags = append([]protocol.Tag(nil), e.Env.Module.Tags...)
		c.Env = &env
	}
	return &c
}
