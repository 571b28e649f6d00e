// Package peephole removes redundant instructions from a lowered
// function's instruction stream and resolves the pending branch fixups
// that lowering left behind; call and indirect-call fixups are only
// remapped to the new instruction indices here. It must run
// before byte-offset resolution, since removing instructions shifts every
// offset after the removed one.
package peephole

import (
	"fmt"

	"github.com/xyproto/wasmpvm/internal/pvm"
)

// Label identifies a branch target recorded during lowering. Its value is
// resolved to a byte offset only after optimization settles.
type Label int

// Fixup pairs an instruction that carries a pending branch target with the
// label it should resolve to.
type Fixup struct {
	InstrIdx int
	Target   Label
}

// CallFixup marks a direct WASM call lowered as "write return address,
// jump to callee". Both instructions need the callee's final, globally
// laid-out byte offset, which isn't known until every function in the
// module has been placed.
type CallFixup struct {
	ReturnAddrInstr int
	JumpInstr       int
	TargetFunc      uint32 // global function index
}

// IndirectCallFixup marks a call_indirect lowered as "write return
// address, jump through a register". The jump target itself comes from a
// runtime table load, so only the return address needs global patching.
type IndirectCallFixup struct {
	ReturnAddrInstr int
	JumpIndInstr    int
}

// Unit is one function's instruction stream together with its pending
// fixups, as produced by a lowering backend.
type Unit struct {
	Instructions        []pvm.Instruction
	Labels              []int // label id -> byte offset, -1 until placed
	Fixups              []Fixup
	CallFixups          []CallFixup
	IndirectCallFixups  []IndirectCallFixup

	runningOffset int
}

// NewUnit returns an empty lowering unit.
func NewUnit() *Unit {
	return &Unit{}
}

// Emit appends an instruction and returns its index.
func (u *Unit) Emit(instr pvm.Instruction) int {
	idx := len(u.Instructions)
	u.Instructions = append(u.Instructions, instr)
	u.runningOffset += instr.EncodedLen()
	return idx
}

// NewLabel allocates an unplaced label.
func (u *Unit) NewLabel() Label {
	u.Labels = append(u.Labels, -1)
	return Label(len(u.Labels) - 1)
}

// PlaceLabel records the current end-of-stream byte offset as the target
// for l. Call this immediately before emitting the instruction the label
// should point to.
func (u *Unit) PlaceLabel(l Label) {
	u.Labels[l] = u.runningOffset
}

// AddFixup records that the instruction at instrIdx has a pending branch
// target of l.
func (u *Unit) AddFixup(instrIdx int, l Label) {
	u.Fixups = append(u.Fixups, Fixup{InstrIdx: instrIdx, Target: l})
}

// Optimize removes Fallthrough instructions immediately preceding another
// Fallthrough, a Jump, or a Trap (they're redundant: control already falls
// through, or never reaches them at all), then remaps every label, fixup,
// and call fixup to the compacted instruction indices.
func Optimize(u *Unit) {
	n := len(u.Instructions)
	if n == 0 {
		return
	}

	byteOffsets := make([]int, n+1)
	running := 0
	for i, instr := range u.Instructions {
		byteOffsets[i] = running
		running += instr.EncodedLen()
	}
	byteOffsets[n] = running

	byteToIdx := make(map[int]int, n+1)
	for idx, off := range byteOffsets {
		if _, ok := byteToIdx[off]; !ok {
			byteToIdx[off] = idx
		}
	}

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < n; i++ {
		if u.Instructions[i].Op != pvm.OpFallthrough {
			continue
		}
		if i+1 < n {
			next := u.Instructions[i+1].Op
			if next == pvm.OpFallthrough || next == pvm.OpJump || next == pvm.OpTrap {
				keep[i] = false
			}
		}
	}

	remap := make([]int, n+1)
	newIdx := 0
	for oldIdx, k := range keep {
		remap[oldIdx] = newIdx
		if k {
			newIdx++
		}
	}
	remap[n] = newIdx

	if newIdx == n {
		return // nothing removed
	}

	write := 0
	for read := 0; read < n; read++ {
		if keep[read] {
			u.Instructions[write] = u.Instructions[read]
			write++
		}
	}
	u.Instructions = u.Instructions[:write]

	newByteOffsets := make([]int, write+1)
	newRunning := 0
	for i, instr := range u.Instructions {
		newByteOffsets[i] = newRunning
		newRunning += instr.EncodedLen()
	}
	newByteOffsets[write] = newRunning
	u.runningOffset = newRunning

	for i, off := range u.Labels {
		if off < 0 {
			continue
		}
		oldIdx, ok := byteToIdx[off]
		if !ok {
			continue
		}
		if oldIdx > n {
			oldIdx = n
		}
		newI := remap[oldIdx]
		if newI > write {
			newI = write
		}
		u.Labels[i] = newByteOffsets[newI]
	}

	for i := range u.Fixups {
		u.Fixups[i].InstrIdx = remap[u.Fixups[i].InstrIdx]
	}
	for i := range u.CallFixups {
		u.CallFixups[i].ReturnAddrInstr = remap[u.CallFixups[i].ReturnAddrInstr]
		u.CallFixups[i].JumpInstr = remap[u.CallFixups[i].JumpInstr]
	}
	for i := range u.IndirectCallFixups {
		u.IndirectCallFixups[i].ReturnAddrInstr = remap[u.IndirectCallFixups[i].ReturnAddrInstr]
		u.IndirectCallFixups[i].JumpIndInstr = remap[u.IndirectCallFixups[i].JumpIndInstr]
	}
}

// ResolveLabels writes each Fixup's resolved branch offset — the signed
// difference target_byte_offset - source_byte_offset — into the immediate
// of the instruction it targets, supporting both forward and backward
// references. Call and indirect-call fixups are left untouched — they're
// patched later, once every function in the module has a final position
// in the combined code blob.
func ResolveLabels(u *Unit) error {
	if len(u.Fixups) == 0 {
		return nil
	}
	offsets := ByteOffsets(u.Instructions)
	for _, f := range u.Fixups {
		target := u.Labels[f.Target]
		if target < 0 {
			return fmt.Errorf("peephole: label %d never placed", f.Target)
		}
		source := offsets[f.InstrIdx]
		u.Instructions[f.InstrIdx].Imm = int64(target - source)
	}
	return nil
}

// ByteOffsets returns the byte offset of every instruction in the unit's
// current (final, post-optimize) stream, plus one trailing sentinel equal
// to the total encoded length.
func ByteOffsets(instrs []pvm.Instruction) []int {
	out := make([]int, len(instrs)+1)
	running := 0
	for i, instr := range instrs {
		out[i] = running
		running += instr.EncodedLen()
	}
	out[len(instrs)] = running
	return out
}
