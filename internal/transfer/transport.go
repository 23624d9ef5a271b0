package transfer

import (
	"context"
	"sync"
)

// Transport moves whole envelopes in one direction per call. A Receive either
// yields a complete envelope or an error; partial messages are never seen.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
	Receive(ctx context.Context) (*Envelope, error)
	Close() error
}

// pipeEnd is one side of an in-process pipe.
type pipeEnd struct {
	send chan<- *Envelope
	recv <-chan *Envelope

	// done is shared by both ends; closing either end closes the pipe.
	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns two connected in-process transports. Each direction holds
// at most one envelope in flight, and Send copies chunk bytes so the two
// sides never share memory.
func NewPipe() (Transport, Transport) {
	ab := make(chan *Envelope, 1)
	ba := make(chan *Envelope, 1)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{send: ab, recv: ba, done: done, closeOnce: once}
	b := &pipeEnd{send: ba, recv: ab, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, env *Envelope) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}

	msg := env.clone()
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (*Envelope, error) {
	// An envelope delivered before Close is still handed out.
	select {
	case env := <-p.recv:
		return env, nil
	default:
	}

	select {
	case env := <-p.recv:
		return env, nil
	case <-p.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
