// Package stackbackend is the direct WASM-operator-to-PVM lowering
// backend: a virtual operand stack mapped onto a 5-register window
// (r2-r6), spilling to memory beyond that depth. The lowering needs no
// intermediate representation at all.
package stackbackend

import "github.com/xyproto/wasmpvm/internal/abi"

const (
	firstStackReg    = abi.Temp1 // r2
	lastStackReg     = abi.Scratch2 // r6
	stackRegCount    = int(lastStackReg-firstStackReg) + 1
	spillTempReg     = abi.ReturnValueReg // r7, free between prologue and epilogue
	maxStackDepth    = 128
)

// StackMachine tracks the WASM virtual operand stack's current depth and
// hands out the PVM register (or spill slot) backing each depth.
type StackMachine struct {
	depth    int
	maxDepth int
}

// NewStackMachine returns an empty stack machine.
func NewStackMachine() *StackMachine {
	return &StackMachine{}
}

// Push advances the depth and returns the logical register for the new
// top of stack.
func (s *StackMachine) Push() uint8 {
	if s.depth >= maxStackDepth {
		panic("stackbackend: operand stack overflow")
	}
	reg := RegAtDepth(s.depth)
	s.depth++
	if s.depth > s.maxDepth {
		s.maxDepth = s.depth
	}
	return reg
}

// Pop retreats the depth and returns the logical register the popped
// value was in.
func (s *StackMachine) Pop() uint8 {
	if s.depth == 0 {
		panic("stackbackend: operand stack underflow")
	}
	s.depth--
	return RegAtDepth(s.depth)
}

// Peek returns the logical register at the given offset from the top
// (0 = current top) without changing depth.
func (s *StackMachine) Peek(offset int) uint8 {
	if offset >= s.depth {
		panic("stackbackend: operand stack peek out of bounds")
	}
	return RegAtDepth(s.depth - 1 - offset)
}

// Depth returns the current stack depth.
func (s *StackMachine) Depth() int { return s.depth }

// SetDepth forcibly sets the depth, used when structured control flow
// rewinds the stack to a block's entry depth.
func (s *StackMachine) SetDepth(depth int) {
	if depth > maxStackDepth {
		panic("stackbackend: set_depth exceeds max depth")
	}
	s.depth = depth
}

// RegAtDepth returns the logical register backing operand-stack depth d:
// r2-r6 for the first 5 slots, then the shared spill-temp register for
// every depth beyond that (the actual value lives in memory; the temp
// register is only where it sits while an instruction touches it).
func RegAtDepth(depth int) uint8 {
	if depth < stackRegCount {
		return firstStackReg + uint8(depth)
	}
	return spillTempReg
}

// NeedsSpill reports whether depth lives in memory rather than a register.
func NeedsSpill(depth int) bool {
	return depth >= stackRegCount
}

// SpillOffset returns the byte offset (from SP + abi.OperandSpillBase) that
// backs a spilled depth.
func SpillOffset(depth int) int32 {
	return int32(depth-stackRegCount) * 8
}
