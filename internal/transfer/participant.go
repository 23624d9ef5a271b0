package transfer

import (
	"context"
)

// Participant is one side of a transfer. Both roles send and receive whole
// chunk sequences wrapped in envelopes over an injected Transport.
type Participant interface {
	SendChunks(ctx context.Context, env *Envelope) error
	ReceiveChunks(ctx context.Context) (*Envelope, error)
}

var (
	_ Participant = (*Coordinator)(nil)
	_ Participant = (*Worker)(nil)
)
