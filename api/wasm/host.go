//go:build !wasm

package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// HostFunctions defines the interface for host-provided functions.
// Pointers and lengths address the calling module's linear memory.
type HostFunctions interface {
	// Logging
	// host.log_message(level, ptr, len)
	LogMessage(ctx context.Context, mod api.Module, level, ptr, length uint32)

	// Content drive
	// weavedrive.size(id_ptr, id_len) -> i64, DriveMissing when unknown
	DriveSize(ctx context.Context, mod api.Module, idPtr, idLen uint32) int64

	// weavedrive.read(id_ptr, id_len, dst_ptr, dst_len, offset i64) -> i32 bytes copied
	DriveRead(ctx context.Context, mod api.Module, idPtr, idLen, dstPtr, dstLen uint32, offset int64) uint32
}
