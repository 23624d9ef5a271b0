// Package wasmtest holds tiny hand-assembled guest modules that satisfy the
// compute step ABI, for tests.
//
// Every module exports memory (1 page, growable), malloc(i32) -> i32 which
// always returns ScratchOffset, and handle(i32, i32, i32, i32) -> i64.
package wasmtest

// ScratchOffset is where malloc places every allocation.
const ScratchOffset = 1024

// Counter increments the byte at address 0 on every handle call and returns
// that byte as its one-byte output. State survives only through snapshots.
var Counter = build([]byte{
	0x41, 0x00, // i32.const 0   (store address)
	0x41, 0x00, // i32.const 0   (load address)
	0x2d, 0x00, 0x00, // i32.load8_u
	0x41, 0x01, // i32.const 1
	0x6a,             // i32.add
	0x3a, 0x00, 0x00, // i32.store8
	0x42, 0x01, // i64.const 1   (ptr 0, len 1)
})

// Trap hits unreachable in handle.
var Trap = build([]byte{
	0x00, // unreachable
})

// Spin loops forever in handle.
var Spin = build([]byte{
	0x03, 0x40, // loop
	0x0c, 0x00, // br 0
	0x0b, // end loop
	0x00, // unreachable
})

// CounterValue returns the counter stored in a Counter memory image.
func CounterValue(image []byte) byte {
	if len(image) == 0 {
		return 0
	}
	return image[0]
}

func build(handle []byte) []byte {
	out := []byte{
		0x00, 0x61, 0x73, 0x6d, // \0asm
		0x01, 0x00, 0x00, 0x00, // version 1
	}

	// type 0: (i32) -> i32, type 1: (i32 i32 i32 i32) -> i64
	out = section(out, 0x01, []byte{
		0x02,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7e,
	})
	// malloc: type 0, handle: type 1
	out = section(out, 0x03, []byte{0x02, 0x00, 0x01})
	// one memory, min 1 page, no max
	out = section(out, 0x05, []byte{0x01, 0x00, 0x01})

	exports := []byte{0x03}
	exports = append(exports, name("memory")...)
	exports = append(exports, 0x02, 0x00)
	exports = append(exports, name("malloc")...)
	exports = append(exports, 0x00, 0x00)
	exports = append(exports, name("handle")...)
	exports = append(exports, 0x00, 0x01)
	out = section(out, 0x07, exports)

	malloc := body([]byte{0x41, 0x80, 0x08}) // i32.const 1024
	code := []byte{0x02}
	code = append(code, malloc...)
	code = append(code, body(handle)...)
	return section(out, 0x0a, code)
}

// Sizes below stay under 128, so every LEB128 length is a single byte.

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id, byte(len(content)))
	return append(out, content...)
}

func body(instrs []byte) []byte {
	b := []byte{0x00} // no locals
	b = append(b, instrs...)
	b = append(b, 0x0b)
	return append([]byte{byte(len(b))}, b...)
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}
