package transfer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransportClosed is returned by a Transport after Close or once the
	// peer has gone away.
	ErrTransportClosed = errors.New("transport closed")

	// ErrCoordinatorClosed is returned by round trips issued after Close.
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// ContractError occurs when a chunk sequence or envelope breaks the transfer
// contract: bad chunk size, inconsistent lengths, missing descriptors. It
// signals a bug on one of the two sides and is never retried.
type ContractError struct {
	Round uint64
	Err   error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("transfer contract violated in round %d: %v", e.Round, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// TransportError occurs when a message cannot be moved across the boundary:
// the worker died, the stream broke, or a response did not match its request.
type TransportError struct {
	Op    string
	Round uint64
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed in round %d: %v", e.Op, e.Round, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when the worker does not answer within the configured
// round-trip timeout.
type TimeoutError struct {
	Round    uint64
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("round %d timed out after %v", e.Round, e.Duration)
}

// RemoteError carries the text of a failure reported by the worker, either
// its compute step or its own validation of the request.
type RemoteError struct {
	Round   uint64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker failed round %d: %s", e.Round, e.Message)
}

// FailedError is returned by every round trip after a fatal failure. Recovery
// means a new coordinator seeded from a known-good snapshot.
type FailedError struct {
	Cause error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("coordinator unusable after earlier failure: %v", e.Cause)
}

func (e *FailedError) Unwrap() error {
	return e.Cause
}
