package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
	"go.uber.org/zap"
)

// Process drives one compiled module as a protocol.ComputeStep.
//
// Every Invoke runs in a fresh instance. State carries over only through the
// memory image: the prior image is restored before handle runs and the
// post-call image is returned.
type Process struct {
	instances *InstanceManager
	module    string
	timeout   time.Duration
	logger    *zap.Logger
}

var _ protocol.ComputeStep = (*Process)(nil)

// NewProcess binds a compute step to the compiled module named module.
// A zero timeout disables the per-call deadline.
func NewProcess(instances *InstanceManager, module string, timeout time.Duration, logger *zap.Logger) *Process {
	return &Process{
		instances: instances,
		module:    module,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "wasm-process"), zap.String("module", module)),
	}
}

// Invoke restores prior (if any), hands msg and env to the guest's handle
// export and returns the output text together with the resulting memory.
func (p *Process) Invoke(ctx context.Context, prior []byte, msg *protocol.Message, env *protocol.Environment) (*protocol.Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	inst, err := p.instances.Instantiate(ctx, &InstanceConfig{ModuleName: p.module})
	if err != nil {
		return nil, p.timeoutOr(ctx, err)
	}
	defer func() {
		if err := inst.Close(context.Background()); err != nil {
			p.logger.Warn("Failed to close instance", zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}()

	handle := inst.Function(ExportHandle)
	if handle == nil {
		return nil, &FunctionNotFoundError{ModuleName: p.module, FunctionName: ExportHandle}
	}

	mem := inst.Memory()
	if prior != nil {
		if err := mem.Restore(prior); err != nil {
			return nil, err
		}
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode environment: %w", err)
	}

	msgPtr, msgLen, err := mem.WriteBytes(ctx, msgJSON)
	if err != nil {
		return nil, p.timeoutOr(ctx, err)
	}
	envPtr, envLen, err := mem.WriteBytes(ctx, envJSON)
	if err != nil {
		return nil, p.timeoutOr(ctx, err)
	}

	start := time.Now()
	results, err := handle.Call(ctx, uint64(msgPtr), uint64(msgLen), uint64(envPtr), uint64(envLen))
	if err != nil {
		return nil, p.timeoutOr(ctx, &ExecutionError{ModuleName: p.module, FunctionName: ExportHandle, Err: err})
	}
	if len(results) != 1 {
		return nil, &ExecutionError{
			ModuleName:   p.module,
			FunctionName: ExportHandle,
			Err:          fmt.Errorf("expected 1 result, got %d", len(results)),
		}
	}

	outPtr, outLen := unpackPtrLen(results[0])
	output, ok := mem.ReadBytes(outPtr, outLen)
	if !ok {
		return nil, &MemoryAccessError{
			Operation: "read output",
			Address:   outPtr,
			Length:    outLen,
			Err:       fmt.Errorf("out of bounds for %d byte memory", mem.Size()),
		}
	}

	image, err := mem.Snapshot()
	if err != nil {
		return nil, err
	}

	p.logger.Info("Message handled",
		zap.String("message_id", msg.ID),
		zap.String("action", msg.Action()),
		zap.Bool("restored", prior != nil),
		zap.String("memory", humanize.IBytes(uint64(len(image)))),
		zap.Duration("duration", time.Since(start)),
	)

	return &protocol.Result{Memory: image, Output: string(output)}, nil
}

// timeoutOr reports an expired per-call deadline as a TimeoutError.
func (p *Process) timeoutOr(ctx context.Context, err error) error {
	if p.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Duration: p.timeout}
	}
	return err
}

// unpackPtrLen splits handle's i64 result into pointer (high) and length (low).
func unpackPtrLen(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}
