package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/woxQAQ/aoxfer/internal/chunk"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
	"go.uber.org/zap"
)

// Config is everything a coordinator needs besides its collaborators.
type Config struct {
	// ChunkSize bounds every chunk sent in either direction.
	ChunkSize int64

	// Timeout bounds the wait for the worker's answer. Zero waits forever.
	Timeout time.Duration

	Process protocol.Process
	Module  protocol.Module
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return &chunk.SizeError{Size: c.ChunkSize}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout %v", c.Timeout)
	}
	if c.Process.ID == "" {
		return fmt.Errorf("process id is required")
	}
	return nil
}

// Environment returns the environment descriptor handed to both compute steps.
func (c Config) Environment() *protocol.Environment {
	return &protocol.Environment{Process: c.Process, Module: c.Module}
}

// Steps are the three compute-step messages of one round trip.
type Steps struct {
	// Produce runs on the near side before sending. Nil sends the prior
	// memory as is.
	Produce *protocol.Message
	// Remote runs on the worker against the reassembled memory. Required.
	Remote *protocol.Message
	// Resume runs on the near side against the returned memory. Nil makes
	// the returned memory the outcome.
	Resume *protocol.Message
}

// Outcome is the observable result of a round trip.
type Outcome struct {
	Round         uint64
	Memory        []byte
	Output        string
	ProduceOutput string
	RemoteOutput  string
}

type state int

const (
	stateReady state = iota
	stateFailed
	stateClosed
)

// Coordinator is the near side of a transfer. It exclusively owns one
// execution context and runs at most one round trip at a time.
type Coordinator struct {
	cfg    Config
	env    *protocol.Environment
	step   protocol.ComputeStep
	ectx   ExecutionContext
	logger *zap.Logger

	// slot holds the single in-flight round trip.
	slot chan struct{}

	mu    sync.Mutex
	state state
	cause error
	round uint64

	closeOnce sync.Once
	closeErr  error
}

// NewCoordinator takes ownership of ectx. The caller must Close the coordinator.
func NewCoordinator(cfg Config, step protocol.ComputeStep, ectx ExecutionContext, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}

	c := &Coordinator{
		cfg:    cfg,
		env:    cfg.Environment(),
		step:   step,
		ectx:   ectx,
		logger: logger.With(zap.String("component", "transfer-coordinator")),
		slot:   make(chan struct{}, 1),
	}

	c.logger.Info("Coordinator ready",
		zap.String("chunk_size", humanize.IBytes(uint64(cfg.ChunkSize))),
		zap.Duration("timeout", cfg.Timeout),
		zap.String("process", cfg.Process.ID),
		zap.String("module", cfg.Module.ID),
	)
	return c, nil
}

// SendChunks validates env and ships it to the worker.
func (c *Coordinator) SendChunks(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return &ContractError{Round: env.Round, Err: err}
	}
	if err := c.ectx.Transport().Send(ctx, env); err != nil {
		return c.transportErr("send", env.Round, err)
	}
	return nil
}

// ReceiveChunks waits for the worker's next envelope.
func (c *Coordinator) ReceiveChunks(ctx context.Context) (*Envelope, error) {
	env, err := c.ectx.Transport().Receive(ctx)
	if err != nil {
		return nil, c.transportErr("receive", c.currentRound(), err)
	}
	return env, nil
}

// RoundTrip runs produce, split/send, remote compute, split/return, reassemble
// and resume, in that order. Compute-step errors on the near side come back
// unchanged. Transport failures and timeouts leave the coordinator failed and
// its worker torn down.
func (c *Coordinator) RoundTrip(ctx context.Context, prior []byte, steps Steps) (*Outcome, error) {
	select {
	case c.slot <- struct{}{}:
		defer func() { <-c.slot }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	round, err := c.begin()
	if err != nil {
		return nil, err
	}
	if steps.Remote == nil {
		return nil, &ContractError{Round: round, Err: errors.New("round trip has no remote message")}
	}

	logger := c.logger.With(zap.Uint64("round", round))
	out := &Outcome{Round: round}

	memory := prior
	if steps.Produce != nil {
		res, err := c.step.Invoke(ctx, prior, steps.Produce, c.env)
		if err != nil {
			return nil, err
		}
		memory, out.ProduceOutput = res.Memory, res.Output
	}

	req, err := newEnvelope(KindRequest, round, c.cfg.ChunkSize, memory)
	if err != nil {
		return nil, &ContractError{Round: round, Err: err}
	}
	req.Message = steps.Remote
	req.Env = c.env

	logger.Info("Sending memory to worker",
		zap.Int("chunks", len(req.Chunks)),
		zap.String("size", humanize.IBytes(uint64(req.Total))),
	)

	waitCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.exchange(waitCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Round: round, Duration: c.cfg.Timeout}
		}
		return nil, c.fail(err)
	}

	if resp.Kind == KindFailure {
		logger.Warn("Worker reported failure", zap.String("error", resp.Error))
		return nil, &RemoteError{Round: round, Message: resp.Error}
	}

	memory = resp.Memory()
	out.RemoteOutput = resp.Output
	logger.Info("Memory returned by worker",
		zap.Int("chunks", len(resp.Chunks)),
		zap.String("size", humanize.IBytes(uint64(len(memory)))),
	)

	if steps.Resume == nil {
		out.Memory, out.Output = memory, resp.Output
		return out, nil
	}

	res, err := c.step.Invoke(ctx, memory, steps.Resume, c.env)
	if err != nil {
		return nil, err
	}
	out.Memory, out.Output = res.Memory, res.Output
	return out, nil
}

// Run chains round trips through the same worker, feeding each outcome's
// memory to the next round. Returns the outcomes completed so far on error.
func (c *Coordinator) Run(ctx context.Context, prior []byte, rounds []Steps) ([]*Outcome, error) {
	outcomes := make([]*Outcome, 0, len(rounds))
	memory := prior
	for _, steps := range rounds {
		out, err := c.RoundTrip(ctx, memory, steps)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
		memory = out.Memory
	}
	return outcomes, nil
}

// exchange sends req and waits for the matching answer.
func (c *Coordinator) exchange(ctx context.Context, req *Envelope) (*Envelope, error) {
	if err := c.SendChunks(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.ReceiveChunks(ctx)
	if err != nil {
		return nil, err
	}

	if resp.Round != req.Round {
		return nil, &TransportError{
			Op:    "correlate",
			Round: req.Round,
			Err:   fmt.Errorf("answer belongs to round %d", resp.Round),
		}
	}
	if resp.Kind != KindResponse && resp.Kind != KindFailure {
		return nil, &TransportError{Op: "correlate", Round: req.Round, Err: fmt.Errorf("unexpected %s envelope", resp.Kind)}
	}
	if err := resp.Validate(); err != nil {
		return nil, &ContractError{Round: req.Round, Err: err}
	}
	return resp, nil
}

func (c *Coordinator) begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return 0, ErrCoordinatorClosed
	case stateFailed:
		return 0, &FailedError{Cause: c.cause}
	}
	c.round++
	return c.round, nil
}

func (c *Coordinator) currentRound() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// fail marks the coordinator unusable and tears the worker down.
func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	if c.state == stateReady {
		c.state = stateFailed
		c.cause = err
	}
	c.mu.Unlock()

	c.logger.Error("Round trip failed, tearing down worker", zap.Error(err))

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if closeErr := c.ectx.Close(ctx); closeErr != nil {
		c.logger.Warn("Worker teardown failed", zap.Error(closeErr))
	}
	return err
}

func (c *Coordinator) transportErr(op string, round uint64, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, ErrTransportClosed) {
		if werr := c.ectx.Err(); werr != nil {
			err = fmt.Errorf("%w: worker exited: %v", err, werr)
		}
	}
	return &TransportError{Op: op, Round: round, Err: err}
}

// Close tears down the worker. Safe to call more than once.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()

		c.logger.Info("Shutting down coordinator")
		c.closeErr = c.ectx.Close(ctx)
	})
	return c.closeErr
}
