package stackbackend

import (
	"fmt"

	"github.com/xyproto/wasmpvm/internal/abi"
	"github.com/xyproto/wasmpvm/internal/imports"
	"github.com/xyproto/wasmpvm/internal/peephole"
	"github.com/xyproto/wasmpvm/internal/pvm"
	"github.com/xyproto/wasmpvm/internal/wasmmodule"
)

// EntryConvention selects how the entry function's result is surfaced to
// the host before the program halts.
type EntryConvention int

const (
	// EntryBareValue leaves the WASM return value in r7 as-is.
	EntryBareValue EntryConvention = iota
	// EntryPackedI64 treats the i64 result as (ptr<<32)|len, splitting it
	// into r7 = ptr+wasm_memory_base and r8 = r7+len.
	EntryPackedI64
	// EntryGlobalsPtrLen reads (ptr,len) from two designated WASM globals
	// instead of the return value.
	EntryGlobalsPtrLen
)

// EntryOptions configures the entry function's special epilogue.
type EntryOptions struct {
	Convention    EntryConvention
	GlobalsPtrIdx uint32
	GlobalsLenIdx uint32

	// StartFuncIdx, if set, is the global index of the module's start
	// section function. The entry function calls it, discarding any
	// result, before running its own body — WASM runs the start function
	// before any export, and this is the entry's only chance to do that
	// since the compiled program has a single code-offset-0 entry point.
	StartFuncIdx *uint32
}

// Context carries everything lowering needs that isn't specific to one
// function: the parsed module, the import resolver, and the computed WASM
// linear-memory base address.
type Context struct {
	Module           *wasmmodule.Module
	Imports          *imports.Resolver
	WasmMemBase      int32
	NumImportedFuncs int
}

// Lowered is one function's lowering output.
type Lowered struct {
	Unit   *peephole.Unit
	IsLeaf bool
}

// LowerFunction lowers one local (already-parsed) function to PVM
// instructions using the direct operand-stack backend.
func LowerFunction(ctx *Context, localIdx int, isEntry bool, entryOpts EntryOptions) (*Lowered, error) {
	fn := ctx.Module.Functions[ctx.NumImportedFuncs+localIdx]
	sig, err := ctx.Module.FuncTypeOf(fn.FuncIdx)
	if err != nil {
		return nil, err
	}

	isLeaf, err := isLeafFunction(fn.Body)
	if err != nil {
		return nil, err
	}

	ls := &lowerState{
		ctx:          ctx,
		unit:         peephole.NewUnit(),
		stack:        NewStackMachine(),
		fn:           fn,
		sig:          sig,
		funcLocalIdx: localIdx,
		isLeaf:       isLeaf,
		numParams:    sig.ParamCount,
		numLocals:    sig.ParamCount + len(fn.Locals),
		isEntry:      isEntry,
		entryOpts:    entryOpts,
	}

	ls.emitPrologue()
	if isEntry && entryOpts.StartFuncIdx != nil {
		if err := ls.emitStartCall(*entryOpts.StartFuncIdx); err != nil {
			return nil, err
		}
	}
	if err := ls.lowerBody(); err != nil {
		return nil, err
	}
	// The function body's final `end` just closes the implicit outermost
	// block; falling off it returns whatever is left on the operand stack.
	ls.emitEpilogue(sig.ResultCount > 0)

	return &Lowered{Unit: ls.unit, IsLeaf: isLeaf}, nil
}

// isLeafFunction reports whether a function body contains no call or
// call_indirect, the condition under which its declared locals may be
// register-resident in r9-r12 without a save/restore protocol: any
// function that itself calls something is, by definition, not leaf, and
// therefore never keeps a local live in r9-r12 across that call.
func isLeafFunction(body []byte) (bool, error) {
	r := wasmmodule.NewOperatorReader(body)
	for !r.Eof() {
		op, err := r.Next()
		if err != nil {
			return false, err
		}
		if op.Kind == wasmmodule.OpCall || op.Kind == wasmmodule.OpCallIndirect {
			return false, nil
		}
	}
	return true, nil
}

type ctrlKind int

const (
	ctrlBlock ctrlKind = iota
	ctrlLoop
	ctrlIf
)

type ctrlFrame struct {
	kind         ctrlKind
	branchLabel  peephole.Label // br/br_if target for this depth
	elseLabel    peephole.Label // valid only for ctrlIf before `else`/`end`
	stackAtEntry int
	hasResult    bool
	sawElse      bool
	deadEntry    bool // frame was opened while lowering dead code
}

type lowerState struct {
	ctx          *Context
	unit         *peephole.Unit
	stack        *StackMachine
	fn           wasmmodule.Function
	sig          wasmmodule.FuncType
	funcLocalIdx int
	isLeaf       bool
	numParams    int
	numLocals    int
	isEntry      bool
	entryOpts    EntryOptions
	ctrl         []ctrlFrame

	// pendingPushDepth records the depth a just-returned push() register
	// belongs to, so a matching finishPush() knows whether to drain it to
	// its spill slot.
	pendingPushDepth int

	// dead marks the code following an unconditional control transfer
	// (return, br, br_table, unreachable) up to the next matching else/end,
	// where WASM's stack-polymorphism rule lets the operand stack have any
	// shape — operators in this stretch are parsed (to keep block nesting
	// balanced) but emit nothing.
	dead bool
}

func (ls *lowerState) emit(instr pvm.Instruction) int { return ls.unit.Emit(instr) }

// --- operand stack helpers ---------------------------------------------

func (ls *lowerState) push() uint8 {
	depth := ls.stack.Depth()
	reg := ls.stack.Push()
	ls.pendingPushDepth = depth
	return reg
}

func (ls *lowerState) pop() uint8 {
	depth := ls.stack.Depth() - 1
	reg := ls.stack.Pop()
	if NeedsSpill(depth) {
		ls.loadSpillSlot(reg, depth)
	}
	return reg
}

func (ls *lowerState) peek(offset int) uint8 {
	reg := ls.stack.Peek(offset)
	depth := ls.stack.Depth() - 1 - offset
	if NeedsSpill(depth) {
		ls.loadSpillSlot(reg, depth)
	}
	return reg
}

// finishPush must be called immediately after push() once the value has
// been written into the returned register, so a spilled slot gets drained
// to memory right away.
func (ls *lowerState) finishPush(reg uint8) {
	if NeedsSpill(ls.pendingPushDepth) {
		ls.storeSpillSlot(ls.pendingPushDepth, reg)
	}
}

func (ls *lowerState) loadSpillSlot(dst uint8, depth int) {
	ls.emit(pvm.Instruction{Op: pvm.OpLoadIndU64, Reg1: dst, Reg2: abi.StackPtrReg,
		Imm: int64(abi.OperandSpillBase) + int64(SpillOffset(depth))})
}

func (ls *lowerState) storeSpillSlot(depth int, src uint8) {
	ls.emit(pvm.Instruction{Op: pvm.OpStoreIndU64, Reg1: src, Reg2: abi.StackPtrReg,
		Imm: int64(abi.OperandSpillBase) + int64(SpillOffset(depth))})
}

// --- absolute memory helpers ---------------------------------------------

// loadAbs loads the PVM memory word at an absolute address into dst. It
// needs a zero-valued base register since PVM's indirect loads are always
// register-plus-offset; spillTempReg is free to clobber here since its
// only other job (operand-stack spill staging) always completes within a
// single emit before or after this helper runs, never across it.
func (ls *lowerState) loadAbs(dst uint8, addr int32, width pvm.Opcode) {
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: spillTempReg, Imm: 0})
	ls.emit(pvm.Instruction{Op: width, Reg1: dst, Reg2: spillTempReg, Imm: int64(addr)})
}

// storeAbs stores src to an absolute address. If src is itself the shared
// zero-base register, the base is computed in Scratch1 instead so the
// value being stored isn't clobbered first.
func (ls *lowerState) storeAbs(addr int32, src uint8, width pvm.Opcode) {
	base := uint8(spillTempReg)
	if src == spillTempReg {
		base = abi.Scratch1
	}
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: base, Imm: 0})
	ls.emit(pvm.Instruction{Op: width, Reg1: src, Reg2: base, Imm: int64(addr)})
}

// --- locals ---------------------------------------------------------------

func (ls *lowerState) localUsesReg(i int) bool {
	return ls.isLeaf && i >= ls.numParams && i < ls.numParams+4
}

func (ls *lowerState) localReg(i int) uint8 {
	return abi.FirstLocalReg + uint8(i-ls.numParams)
}

func (ls *lowerState) localAddr(i int) int32 {
	return abi.SpilledLocalAddr(ls.funcLocalIdx, int32(i)*8)
}

func (ls *lowerState) emitPrologue() {
	regParams := ls.numParams
	if regParams > 4 {
		regParams = 4
	}
	for i := 0; i < regParams; i++ {
		srcReg := abi.FirstLocalReg + uint8(i)
		ls.storeAbs(ls.localAddr(i), srcReg, pvm.OpStoreIndU64)
	}
	for i := 4; i < ls.numParams; i++ {
		overflowAddr := abi.ParamOverflowBase + int32(i-4)*8
		ls.loadAbs(abi.Scratch1, overflowAddr, pvm.OpLoadIndU64)
		ls.storeAbs(ls.localAddr(i), abi.Scratch1, pvm.OpStoreIndU64)
	}
	for i := ls.numParams; i < ls.numLocals; i++ {
		if ls.localUsesReg(i) {
			ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: ls.localReg(i), Imm: 0})
		} else {
			ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: abi.Scratch1, Imm: 0})
			ls.storeAbs(ls.localAddr(i), abi.Scratch1, pvm.OpStoreIndU64)
		}
	}
}

func (ls *lowerState) emitEpilogue(hasResult bool) {
	if hasResult {
		reg := ls.pop()
		if reg != abi.ReturnValueReg {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: abi.ReturnValueReg, Reg2: reg})
		}
	}
	if ls.isEntry {
		ls.emitEntryReturn(hasResult)
		return
	}
	ls.emit(pvm.Instruction{Op: pvm.OpJumpInd, Reg1: abi.ReturnAddrReg})
}

func (ls *lowerState) emitEntryReturn(hasResult bool) {
	switch ls.entryOpts.Convention {
	case EntryPackedI64:
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: abi.Temp1, Reg2: abi.ReturnValueReg}) // r2 = raw
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: abi.Temp2, Imm: 32})
		ls.emit(pvm.Instruction{Op: pvm.OpShrU64, Reg1: abi.Temp1, Reg2: abi.Temp2}) // r2 = ptr
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: abi.TempResult, Imm: 0xFFFFFFFF})
		ls.emit(pvm.Instruction{Op: pvm.OpAnd, Reg1: abi.ReturnValueReg, Reg2: abi.TempResult}) // r7 = len
		ls.emit(pvm.Instruction{Op: pvm.OpAddImm64, Reg1: abi.Temp1, Imm: int64(ls.ctx.WasmMemBase)}) // r2 = ptr+base
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: abi.ArgsLenReg, Reg2: abi.ReturnValueReg}) // r8 = len
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: abi.ReturnValueReg, Reg2: abi.Temp1})      // r7 = ptr+base
		ls.emit(pvm.Instruction{Op: pvm.OpAdd64, Reg1: abi.ArgsLenReg, Reg2: abi.ReturnValueReg})    // r8 = len + r7
	case EntryGlobalsPtrLen:
		ls.loadAbs(abi.ReturnValueReg, abi.GlobalAddr(ls.entryOpts.GlobalsPtrIdx), pvm.OpLoadIndU32)
		ls.loadAbs(abi.ArgsLenReg, abi.GlobalAddr(ls.entryOpts.GlobalsLenIdx), pvm.OpLoadIndU32)
		ls.emit(pvm.Instruction{Op: pvm.OpAddImm64, Reg1: abi.ReturnValueReg, Imm: int64(ls.ctx.WasmMemBase)})
		ls.emit(pvm.Instruction{Op: pvm.OpAdd64, Reg1: abi.ArgsLenReg, Reg2: abi.ReturnValueReg})
	default:
		if !hasResult {
			ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: abi.ReturnValueReg, Imm: 0})
		}
	}
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: abi.Scratch2, Imm: int64(abi.ExitAddress)})
	ls.emit(pvm.Instruction{Op: pvm.OpJumpInd, Reg1: abi.Scratch2})
}

// --- control flow -----------------------------------------------------

func (ls *lowerState) branchTo(frame *ctrlFrame) {
	targetDepth := frame.stackAtEntry
	if frame.hasResult {
		targetDepth++
	}
	if ls.stack.Depth() > targetDepth && targetDepth > 0 {
		srcReg := ls.peek(0)
		dstReg := RegAtDepth(targetDepth - 1)
		if srcReg != dstReg {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dstReg, Reg2: srcReg})
			if NeedsSpill(targetDepth - 1) {
				ls.storeSpillSlot(targetDepth-1, dstReg)
			}
		}
	}
	ls.stack.SetDepth(targetDepth)
	// ForceImmLen keeps this instruction's encoded length stable once
	// ResolveLabels patches its placeholder 0 to the real relative offset;
	// without it, a patched value needing more bytes would shift every
	// later instruction's position out from under labels already recorded
	// against the old layout.
	idx := ls.emit(pvm.Instruction{Op: pvm.OpJump, ForceImmLen: 4})
	ls.unit.AddFixup(idx, frame.branchLabel)
}

func (ls *lowerState) branchToIfNonzero(frame *ctrlFrame, condReg uint8) {
	// Branch when condReg != 0: skip the jump when condReg == 0.
	skip := ls.unit.NewLabel()
	idx := ls.emit(pvm.Instruction{Op: pvm.OpBranchEqImm, Reg1: condReg, ForceImmLen: 4})
	ls.unit.AddFixup(idx, skip)
	ls.branchTo(frame)
	ls.unit.PlaceLabel(skip)
}

func (ls *lowerState) frameAt(depth uint32) *ctrlFrame {
	return &ls.ctrl[len(ls.ctrl)-1-int(depth)]
}

// lowerDeadOp handles operators reached while ls.dead is set: the stretch
// of code between an unconditional control transfer and the next else/end
// that closes it. WASM lets this code have any operand-stack shape, so
// nothing here touches the stack or emits instructions except to keep
// block nesting and branch-target labels correct for jumps arriving from
// reachable code elsewhere.
func (ls *lowerState) lowerDeadOp(op wasmmodule.Operator) error {
	switch op.Kind {
	case wasmmodule.OpBlock, wasmmodule.OpLoop, wasmmodule.OpIf:
		kind := ctrlBlock
		if op.Kind == wasmmodule.OpLoop {
			kind = ctrlLoop
		}
		if op.Kind == wasmmodule.OpIf {
			kind = ctrlIf
		}
		frame := ctrlFrame{
			kind: kind, branchLabel: ls.unit.NewLabel(),
			stackAtEntry: ls.stack.Depth(), hasResult: op.HasBlockResult, deadEntry: true,
		}
		if kind == ctrlIf {
			frame.elseLabel = ls.unit.NewLabel()
		}
		ls.ctrl = append(ls.ctrl, frame)
		return nil

	case wasmmodule.OpElse:
		frame := &ls.ctrl[len(ls.ctrl)-1]
		frame.sawElse = true
		if frame.deadEntry {
			ls.unit.PlaceLabel(frame.elseLabel)
			ls.dead = false
			ls.stack.SetDepth(frame.stackAtEntry)
		}
		return nil

	case wasmmodule.OpEnd:
		if len(ls.ctrl) == 0 {
			ls.dead = false
			return nil
		}
		frame := ls.ctrl[len(ls.ctrl)-1]
		ls.ctrl = ls.ctrl[:len(ls.ctrl)-1]
		if frame.kind == ctrlIf && !frame.sawElse {
			ls.unit.PlaceLabel(frame.elseLabel)
		}
		if frame.kind != ctrlLoop {
			ls.unit.PlaceLabel(frame.branchLabel)
		}
		if frame.deadEntry {
			ls.dead = false
			if frame.hasResult {
				ls.stack.SetDepth(frame.stackAtEntry + 1)
			} else {
				ls.stack.SetDepth(frame.stackAtEntry)
			}
		}
		return nil

	default:
		return nil
	}
}

// --- main driver --------------------------------------------------------

func (ls *lowerState) lowerBody() error {
	r := wasmmodule.NewOperatorReader(ls.fn.Body)
	for !r.Eof() {
		op, err := r.Next()
		if err != nil {
			return err
		}
		if err := ls.lowerOp(op); err != nil {
			return err
		}
	}
	return nil
}

func (ls *lowerState) lowerOp(op wasmmodule.Operator) error {
	if ls.dead {
		return ls.lowerDeadOp(op)
	}

	switch op.Kind {
	case wasmmodule.OpUnreachable:
		ls.emit(pvm.Instruction{Op: pvm.OpTrap})
		ls.dead = true
		return nil

	case wasmmodule.OpNop:
		return nil

	case wasmmodule.OpBlock:
		ls.ctrl = append(ls.ctrl, ctrlFrame{
			kind: ctrlBlock, branchLabel: ls.unit.NewLabel(),
			stackAtEntry: ls.stack.Depth(), hasResult: op.HasBlockResult,
		})
		return nil

	case wasmmodule.OpLoop:
		head := ls.unit.NewLabel()
		ls.unit.PlaceLabel(head)
		ls.ctrl = append(ls.ctrl, ctrlFrame{
			kind: ctrlLoop, branchLabel: head, stackAtEntry: ls.stack.Depth(),
		})
		return nil

	case wasmmodule.OpIf:
		cond := ls.pop()
		elseLabel := ls.unit.NewLabel()
		idx := ls.emit(pvm.Instruction{Op: pvm.OpBranchEqImm, Reg1: cond, ForceImmLen: 4})
		ls.unit.AddFixup(idx, elseLabel)
		ls.ctrl = append(ls.ctrl, ctrlFrame{
			kind: ctrlIf, branchLabel: ls.unit.NewLabel(), elseLabel: elseLabel,
			stackAtEntry: ls.stack.Depth(), hasResult: op.HasBlockResult,
		})
		return nil

	case wasmmodule.OpElse:
		frame := &ls.ctrl[len(ls.ctrl)-1]
		idx := ls.emit(pvm.Instruction{Op: pvm.OpJump, ForceImmLen: 4})
		ls.unit.AddFixup(idx, frame.branchLabel)
		ls.unit.PlaceLabel(frame.elseLabel)
		frame.sawElse = true
		ls.stack.SetDepth(frame.stackAtEntry)
		return nil

	case wasmmodule.OpEnd:
		if len(ls.ctrl) == 0 {
			return nil // function-level end
		}
		frame := ls.ctrl[len(ls.ctrl)-1]
		ls.ctrl = ls.ctrl[:len(ls.ctrl)-1]
		if frame.kind == ctrlIf && !frame.sawElse {
			ls.unit.PlaceLabel(frame.elseLabel)
		}
		if frame.kind != ctrlLoop {
			ls.unit.PlaceLabel(frame.branchLabel)
		}
		return nil

	case wasmmodule.OpBr:
		ls.branchTo(ls.frameAt(uint32(op.I32)))
		ls.dead = true
		return nil

	case wasmmodule.OpBrIf:
		cond := ls.pop()
		ls.branchToIfNonzero(ls.frameAt(uint32(op.I32)), cond)
		return nil

	case wasmmodule.OpBrTable:
		if err := ls.lowerBrTable(op); err != nil {
			return err
		}
		ls.dead = true
		return nil

	case wasmmodule.OpReturn:
		if err := ls.lowerReturn(); err != nil {
			return err
		}
		ls.dead = true
		return nil

	case wasmmodule.OpCall:
		return ls.lowerCall(op.FuncIdx)

	case wasmmodule.OpCallIndirect:
		return ls.lowerCallIndirect(op)

	case wasmmodule.OpDrop:
		ls.pop()
		return nil

	case wasmmodule.OpSelect:
		return ls.lowerSelect()

	case wasmmodule.OpLocalGet:
		return ls.lowerLocalGet(int(op.LocalIdx))
	case wasmmodule.OpLocalSet:
		return ls.lowerLocalSet(int(op.LocalIdx))
	case wasmmodule.OpLocalTee:
		return ls.lowerLocalTee(int(op.LocalIdx))
	case wasmmodule.OpGlobalGet:
		return ls.lowerGlobalGet(op.GlobalIdx)
	case wasmmodule.OpGlobalSet:
		return ls.lowerGlobalSet(op.GlobalIdx)

	case wasmmodule.OpI32Const:
		dst := ls.push()
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: dst, Imm: int64(op.I32)})
		ls.finishPush(dst)
		return nil
	case wasmmodule.OpI64Const:
		dst := ls.push()
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: dst, Imm: op.I64})
		ls.finishPush(dst)
		return nil

	case wasmmodule.OpMemorySize, wasmmodule.OpMemoryGrow:
		return ls.lowerMemorySize(op.Kind)
	case wasmmodule.OpMemoryFill:
		return ls.lowerMemoryFill()
	case wasmmodule.OpMemoryCopy:
		return ls.lowerMemoryCopy()

	case wasmmodule.OpRefFunc:
		dst := ls.push()
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: dst, Imm: int64(op.FuncIdx)})
		ls.finishPush(dst)
		return nil

	case wasmmodule.OpFloat:
		return fmt.Errorf("float operations are not supported by PVM (%s)", op.RawName)
	case wasmmodule.OpUnsupported:
		return fmt.Errorf("unsupported WASM feature: %s", op.RawName)
	}

	if isLoadOp(op.Kind) {
		return ls.lowerLoad(op)
	}
	if isStoreOp(op.Kind) {
		return ls.lowerStore(op)
	}
	if isBinaryArith(op.Kind) {
		return ls.lowerBinary(op.Kind)
	}
	if isUnaryArith(op.Kind) {
		return ls.lowerUnary(op.Kind)
	}
	if isCompare(op.Kind) {
		return ls.lowerCompare(op.Kind)
	}
	if isConversion(op.Kind) {
		return ls.lowerConversion(op.Kind)
	}

	return fmt.Errorf("stackbackend: unhandled operator kind %d", op.Kind)
}
