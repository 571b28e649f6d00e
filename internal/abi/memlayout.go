package abi

// PVM address space layout.
//
//	0x00000 - 0x0FFFF   reserved, faults on access
//	0x10000 - 0x2FFFF   read-only data segment        (RODataBase)
//	0x30000 - 0x3FEFF   globals + user heap            (GlobalMemoryBase)
//	0x3FF00 - 0x3FFFF   indirect-call overflow args     (ParamOverflowBase)
//	0x40000 - ...       spilled locals, 512B/function   (SpilledLocalsBase)
//	computed+           WASM linear memory              (wasmMemoryBase)
//	...
//	0xFEFE0000          stack segment end, grows down   (StackSegmentEnd)
//	0xFFFF0000          exit address                    (ExitAddress)
const (
	RODataBase        int32 = 0x10000
	GlobalMemoryBase  int32 = 0x30000
	ParamOverflowBase int32 = 0x3FF00
	SpilledLocalsBase int32 = 0x40000

	// SpilledLocalsPerFunc is the number of bytes reserved per function for
	// locals that don't fit in r9-r12 (64 locals * 8 bytes).
	SpilledLocalsPerFunc int32 = 512

	// DefaultStackSize matches the SPI default (64 KiB).
	DefaultStackSize uint32 = 64 * 1024

	// ExitAddress is 0xFFFF0000 reinterpreted as a signed i32 (-65536).
	// Jumping here halts the program.
	ExitAddress int32 = -0x10000
)

// StackSegmentEnd is 0xFEFE0000 reinterpreted as a signed i32. It is a
// variable so that uint32(StackSegmentEnd) converts at run time; Go
// rejects that conversion for a negative constant.
var StackSegmentEnd = int32(-0x01020000)

// StackLimit returns the lowest address the stack pointer may reach before
// it is considered to have overflowed.
func StackLimit(stackSize uint32) int32 {
	return int32(uint32(StackSegmentEnd) - stackSize)
}

// ComputeWasmMemoryBase returns the PVM address that WASM linear-memory
// address 0 maps to, given the number of local (compiled) functions. The
// region must come after every function's spilled-locals area and be
// aligned to a 64 KiB boundary; small modules still get the historical
// 0x50000 floor.
func ComputeWasmMemoryBase(numLocalFuncs int) int32 {
	spilledEnd := SpilledLocalsBase + int32(numLocalFuncs)*SpilledLocalsPerFunc
	aligned := (spilledEnd + 0xFFFF) &^ 0xFFFF
	if aligned < 0x50000 {
		return 0x50000
	}
	return aligned
}

// MemorySizeGlobalOffset is the address of the compiler-managed "current
// memory size in pages" global, stored just after the numGlobals user
// globals.
func MemorySizeGlobalOffset(numGlobals int) int32 {
	return GlobalMemoryBase + int32(numGlobals)*4
}

// SpilledLocalAddr returns the address of a spilled local for funcIdx at
// localOffset bytes into that function's region.
func SpilledLocalAddr(funcIdx int, localOffset int32) int32 {
	return SpilledLocalsBase + int32(funcIdx)*SpilledLocalsPerFunc + localOffset
}

// GlobalAddr returns the address of WASM global idx.
func GlobalAddr(idx uint32) int32 {
	return GlobalMemoryBase + int32(idx)*4
}
