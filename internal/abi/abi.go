// Package abi centralizes the PVM ABI: register assignments and stack
// frame layout. Keeping these constants in one place keeps the stack
// backend and the tests from drifting apart.
package abi

// Register assignments.
const (
	// ReturnAddrReg holds the return address (an absolute byte offset into
	// the code blob) across calls.
	ReturnAddrReg uint8 = 0
	// StackPtrReg points at the current top of the stack; the stack grows down.
	StackPtrReg uint8 = 1
	// Temp1 loads the first operand for an ALU op or memory access.
	Temp1 uint8 = 2
	// Temp2 loads the second operand.
	Temp2 uint8 = 3
	// TempResult holds a computed result before it is stored back to its slot.
	TempResult uint8 = 4
	// Scratch1 is a general-purpose scratch register, also linear-scan allocatable.
	Scratch1 uint8 = 5
	// Scratch2 is a second scratch register, also linear-scan allocatable.
	Scratch2 uint8 = 6
	// ReturnValueReg holds the first return value of a call. In the entry
	// function's epilogue it holds the result pointer (ArgsPtrReg alias).
	ReturnValueReg uint8 = 7
	// ArgsPtrReg is an alias of ReturnValueReg, used at function entry.
	ArgsPtrReg uint8 = 7
	// ArgsLenReg holds the argument length at entry, or a second return value.
	ArgsLenReg uint8 = 8
	// FirstLocalReg is the first of four callee-saved registers used for locals.
	FirstLocalReg uint8 = 9
	// MaxLocalRegs is the number of registers dedicated to WASM locals (r9-r12).
	MaxLocalRegs = 4
)

// FrameHeaderSize is the worst-case stack-frame header (saved r0 plus all
// four callee-saved locals). No code in this repository references it.
//
//	0:  saved r0 (return address)
//	8:  saved r9  (l0)
//	16: saved r10 (l1)
//	24: saved r11 (l2)
//	32: saved r12 (l3)
const FrameHeaderSize int32 = 40

// OperandSpillBase is the SP-relative base of the operand-stack spill area
// (negative: it lives below the frame header, above the red zone).
const OperandSpillBase int32 = -0x100

// IsCalleeSavedLocal reports whether reg is one of the four local registers.
func IsCalleeSavedLocal(reg uint8) bool {
	return reg >= FirstLocalReg && reg < FirstLocalReg+MaxLocalRegs
}
