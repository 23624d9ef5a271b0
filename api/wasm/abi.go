// Package wasm describes the contract between aoxfer and the guest modules
// it runs as compute steps.
package wasm

// Exports every guest must provide.
const (
	// ExportMemory is the linear memory that is snapshotted and restored.
	ExportMemory = "memory"
	// ExportMalloc allocates n bytes and returns the pointer: malloc(n i32) -> i32.
	ExportMalloc = "malloc"
	// ExportHandle runs one message:
	// handle(msg_ptr, msg_len, env_ptr, env_len i32) -> i64
	// The result packs the output location as ptr<<32 | len.
	ExportHandle = "handle"
	// ExportInitialize is optional and runs once per fresh instance.
	ExportInitialize = "_initialize"
)

// Host modules and the functions they export.
const (
	ModuleHost     = "host"
	FuncLogMessage = "log_message"

	ModuleDrive   = "weavedrive"
	FuncDriveSize = "size"
	FuncDriveRead = "read"
)

// Log levels accepted by host.log_message. Unknown levels log at info.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// DriveMissing is what weavedrive.size returns for an unknown id.
const DriveMissing int64 = -1
