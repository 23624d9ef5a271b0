package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/aoxfer/api/wasm"
)

// Host module names guests import from.
const (
	HostModuleLog   = abi.ModuleHost
	HostModuleDrive = abi.ModuleDrive
)

// driveMissing is returned by weavedrive.size for unknown ids.
const driveMissing = abi.DriveMissing

var _ abi.HostFunctions = (*HostFunctionsImpl)(nil)

// ContentStore resolves content identifiers for the storage extension.
type ContentStore interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Size(ctx context.Context, id string) (int64, error)
	ReadAt(ctx context.Context, id string, p []byte, off int64) (int, error)
}

// HostFunctionsImpl implements host functions for Wasm modules.
type HostFunctionsImpl struct {
	logger *zap.Logger
	drive  ContentStore
}

// NewHostFunctions creates a new host functions implementation.
// drive may be nil, in which case every content lookup misses.
func NewHostFunctions(logger *zap.Logger, drive ContentStore) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
		drive:  drive,
	}
}

// Instantiate registers the host modules on r.
func (h *HostFunctionsImpl) Instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModuleLog).
		NewFunctionBuilder().
		WithFunc(h.LogMessage).
		WithParameterNames("level", "ptr", "length").
		Export(abi.FuncLogMessage).
		Instantiate(ctx)
	if err != nil {
		return &HostFunctionError{FunctionName: HostModuleLog, Err: err}
	}

	_, err = r.NewHostModuleBuilder(HostModuleDrive).
		NewFunctionBuilder().
		WithFunc(h.DriveSize).
		WithParameterNames("id_ptr", "id_len").
		Export(abi.FuncDriveSize).
		NewFunctionBuilder().
		WithFunc(h.DriveRead).
		WithParameterNames("id_ptr", "id_len", "dst_ptr", "dst_len", "offset").
		Export(abi.FuncDriveRead).
		Instantiate(ctx)
	if err != nil {
		return &HostFunctionError{FunctionName: HostModuleDrive, Err: err}
	}
	return nil
}

// LogMessage is called by Wasm modules to log messages.
// Signature: log_message(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) LogMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	field := zap.String("module", mod.Name())
	switch level {
	case abi.LogDebug:
		h.logger.Debug(string(msg), field)
	case abi.LogWarn:
		h.logger.Warn(string(msg), field)
	case abi.LogError:
		h.logger.Error(string(msg), field)
	default:
		h.logger.Info(string(msg), field)
	}
}

// DriveSize returns the byte length of the content named by the id in guest
// memory, or -1 if it cannot be resolved.
func (h *HostFunctionsImpl) DriveSize(ctx context.Context, mod api.Module, idPtr, idLen uint32) int64 {
	id, ok := h.readID(mod, idPtr, idLen)
	if !ok || h.drive == nil {
		return driveMissing
	}

	n, err := h.drive.Size(ctx, id)
	if err != nil {
		h.logger.Debug("Drive lookup failed", zap.String("id", id), zap.Error(err))
		return driveMissing
	}
	return n
}

// DriveRead copies up to dstLen bytes of content, starting at offset, into
// guest memory at dstPtr. Returns the number of bytes copied.
func (h *HostFunctionsImpl) DriveRead(ctx context.Context, mod api.Module, idPtr, idLen, dstPtr, dstLen uint32, offset int64) uint32 {
	id, ok := h.readID(mod, idPtr, idLen)
	if !ok || h.drive == nil {
		return 0
	}

	// Writing straight into the guest view avoids a second copy.
	dst, ok := mod.Memory().Read(dstPtr, dstLen)
	if !ok {
		h.logger.Error("Drive read destination out of bounds",
			zap.String("id", id),
			zap.Uint32("dst_ptr", dstPtr),
			zap.Uint32("dst_len", dstLen),
		)
		return 0
	}

	n, err := h.drive.ReadAt(ctx, id, dst, offset)
	if err != nil {
		h.logger.Warn("Drive read failed",
			zap.String("id", id),
			zap.Error(&HostFunctionError{FunctionName: "weavedrive.read", Err: err}),
		)
		return 0
	}
	return uint32(n)
}

func (h *HostFunctionsImpl) readID(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read content id from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return "", false
	}
	return string(b), true
}
