//go:build wasm

package wasm

// This file defines the Wasm export interface for compute step guests.
// Guests must implement these functions using //go:wasmexport
//
// NOTE: uint32 is used for pointers and lengths because the host runs guests
// with a 32-bit linear memory. Memory images are therefore whole pages
// (64 KiB each) and never exceed 4 GiB.
//
// Exported functions that guests must implement:
//
// //go:wasmexport malloc
// func malloc(size uint32) uint32
//
// //go:wasmexport handle
// func handle(msgPtr, msgLen, envPtr, envLen uint32) uint64
//
// handle receives the message and environment as JSON. The message carries
// Id, Target, Owner, Module, Block-Height, Timestamp, Tags and Data; the
// environment carries Process and Module, each with Id, Owner and Tags. The
// returned value is ptr<<32 | len of the output text.
//
// Imports the host provides:
//
// //go:wasmimport host log_message
// func logMessage(level, ptr, length uint32)
//
// //go:wasmimport weavedrive size
// func driveSize(idPtr, idLen uint32) int64
//
// //go:wasmimport weavedrive read
// func driveRead(idPtr, idLen, dstPtr, dstLen uint32, offset int64) uint32
