package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
	"go.uber.org/zap"
)

// Worker is the far side of a transfer. It owns no state of its own beyond
// what its compute step keeps.
type Worker struct {
	transport Transport
	step      protocol.ComputeStep
	logger    *zap.Logger
}

// NewWorker creates a worker that answers requests arriving on t.
func NewWorker(t Transport, step protocol.ComputeStep, logger *zap.Logger) *Worker {
	return &Worker{
		transport: t,
		step:      step,
		logger:    logger.With(zap.String("component", "transfer-worker")),
	}
}

// SendChunks validates env and sends it to the coordinator.
func (w *Worker) SendChunks(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return &ContractError{Round: env.Round, Err: err}
	}
	if err := w.transport.Send(ctx, env); err != nil {
		return err
	}
	return nil
}

// ReceiveChunks waits for the next request.
func (w *Worker) ReceiveChunks(ctx context.Context) (*Envelope, error) {
	return w.transport.Receive(ctx)
}

// Serve answers requests one at a time until the transport closes, in which
// case it returns nil, or until ctx ends or a send fails.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info("Worker serving")
	defer w.logger.Info("Worker stopped")

	for {
		req, err := w.ReceiveChunks(ctx)
		if errors.Is(err, ErrTransportClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		resp := w.handle(ctx, req)
		if err := w.SendChunks(ctx, resp); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return err
		}
	}
}

// handle turns one request into a response or failure envelope.
func (w *Worker) handle(ctx context.Context, req *Envelope) *Envelope {
	logger := w.logger.With(zap.Uint64("round", req.Round))

	if req.Kind != KindRequest {
		return failure(req.Round, &ContractError{Round: req.Round, Err: fmt.Errorf("worker received a %s envelope", req.Kind)})
	}
	if err := req.Validate(); err != nil {
		logger.Error("Rejecting malformed request", zap.Error(err))
		return failure(req.Round, &ContractError{Round: req.Round, Err: err})
	}

	memory := req.Memory()
	logger.Info("Request reassembled",
		zap.Int("chunks", len(req.Chunks)),
		zap.String("size", humanize.IBytes(uint64(len(memory)))),
	)

	start := time.Now()
	res, err := w.step.Invoke(ctx, memory, req.Message, req.Env)
	if err != nil {
		logger.Warn("Compute step failed", zap.Error(err))
		return failure(req.Round, err)
	}

	resp, err := newEnvelope(KindResponse, req.Round, req.ChunkSize, res.Memory)
	if err != nil {
		return failure(req.Round, &ContractError{Round: req.Round, Err: err})
	}
	resp.Output = res.Output

	logger.Info("Response ready",
		zap.Int("chunks", len(resp.Chunks)),
		zap.String("size", humanize.IBytes(uint64(resp.Total))),
		zap.Duration("compute", time.Since(start)),
	)
	return resp
}
