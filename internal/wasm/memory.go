package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// memoryPiece bounds a single Read or Write. api.Memory addresses byte counts
// with uint32, which cannot express a full 4 GiB memory.
const memoryPiece = 1 << 30

// Memory provides safe memory operations on a guest's linear memory.
//
// Reads are returned as copies: wazero hands out views that alias guest
// memory and become invalid once the instance grows or closes.
type Memory struct {
	mem    api.Memory
	malloc api.Function
}

// NewMemory creates a memory helper. The module must export memory.
func NewMemory(module api.Module) *Memory {
	return &Memory{
		mem:    module.Memory(),
		malloc: module.ExportedFunction(ExportMalloc),
	}
}

// Size returns the current memory size in bytes.
//
// api.Memory.Size wraps to 0 at 65536 pages, so the size is derived from the
// page count.
func (m *Memory) Size() int64 {
	pages, _ := m.mem.Grow(0)
	return int64(pages) * PageSize
}

// ReadString reads a null-terminated string from Wasm memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return string(buf[:end]), true
}

// ReadBytes copies length bytes at ptr out of Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	view, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

// WriteBytes allocates len(data) bytes through the guest's malloc and copies
// data there.
func (m *Memory) WriteBytes(ctx context.Context, data []byte) (uint32, uint32, error) {
	if m.malloc == nil {
		return 0, 0, &FunctionNotFoundError{FunctionName: ExportMalloc}
	}

	length := uint32(len(data))
	res, err := m.malloc.Call(ctx, uint64(length))
	if err != nil {
		return 0, 0, &MemoryAccessError{Operation: "malloc", Length: length, Err: err}
	}
	if len(res) == 0 {
		return 0, 0, &MemoryAccessError{Operation: "malloc", Length: length, Err: fmt.Errorf("malloc returned no pointer")}
	}

	ptr := uint32(res[0])
	if !m.mem.Write(ptr, data) {
		return 0, 0, &MemoryAccessError{
			Operation: "write",
			Address:   ptr,
			Length:    length,
			Err:       fmt.Errorf("out of bounds for %d byte memory", m.Size()),
		}
	}
	return ptr, length, nil
}

// WriteString writes a string to Wasm memory.
func (m *Memory) WriteString(ctx context.Context, s string) (uint32, uint32, error) {
	return m.WriteBytes(ctx, []byte(s))
}

// Snapshot copies the whole linear memory.
func (m *Memory) Snapshot() ([]byte, error) {
	size := m.Size()
	image := make([]byte, size)
	for off := int64(0); off < size; off += memoryPiece {
		n := min(memoryPiece, size-off)
		view, ok := m.mem.Read(uint32(off), uint32(n))
		if !ok {
			return nil, &SnapshotError{Operation: "snapshot", Size: size, Reason: fmt.Sprintf("memory not readable at offset %d", off)}
		}
		copy(image[off:], view)
	}
	return image, nil
}

// Restore grows memory to the image size and overwrites it with image.
func (m *Memory) Restore(image []byte) error {
	size := int64(len(image))
	if size%PageSize != 0 {
		return &SnapshotError{Operation: "restore", Size: size, Reason: fmt.Sprintf("not a multiple of the %d byte page size", PageSize)}
	}
	if size > MaxMemoryPages*PageSize {
		return &SnapshotError{Operation: "restore", Size: size, Reason: "larger than a 32-bit linear memory"}
	}

	current := m.Size()
	if size < current {
		return &SnapshotError{Operation: "restore", Size: size, Reason: fmt.Sprintf("smaller than the instance's %d byte memory", current)}
	}

	if delta := (size - current) / PageSize; delta > 0 {
		if _, ok := m.mem.Grow(uint32(delta)); !ok {
			return &SnapshotError{Operation: "restore", Size: size, Reason: fmt.Sprintf("cannot grow memory by %d pages", delta)}
		}
	}

	for off := int64(0); off < size; off += memoryPiece {
		n := min(memoryPiece, size-off)
		if !m.mem.Write(uint32(off), image[off:off+n]) {
			return &SnapshotError{Operation: "restore", Size: size, Reason: fmt.Sprintf("write out of bounds at offset %d", off)}
		}
	}
	return nil
}
