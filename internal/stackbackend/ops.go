package stackbackend

import (
	"fmt"

	"github.com/xyproto/wasmpvm/internal/abi"
	"github.com/xyproto/wasmpvm/internal/imports"
	"github.com/xyproto/wasmpvm/internal/peephole"
	"github.com/xyproto/wasmpvm/internal/pvm"
	"github.com/xyproto/wasmpvm/internal/wasmmodule"
)

// --- locals / globals -----------------------------------------------------

func (ls *lowerState) lowerLocalGet(idx int) error {
	dst := ls.push()
	if ls.localUsesReg(idx) {
		src := ls.localReg(idx)
		if src != dst {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: src})
		}
	} else {
		ls.loadAbs(dst, ls.localAddr(idx), pvm.OpLoadIndU64)
	}
	ls.finishPush(dst)
	return nil
}

func (ls *lowerState) lowerLocalSet(idx int) error {
	src := ls.pop()
	ls.storeLocal(idx, src)
	return nil
}

func (ls *lowerState) lowerLocalTee(idx int) error {
	src := ls.peek(0)
	ls.storeLocal(idx, src)
	return nil
}

func (ls *lowerState) storeLocal(idx int, src uint8) {
	if ls.localUsesReg(idx) {
		dst := ls.localReg(idx)
		if dst != src {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: src})
		}
		return
	}
	ls.storeAbs(ls.localAddr(idx), src, pvm.OpStoreIndU64)
}

func (ls *lowerState) lowerGlobalGet(idx uint32) error {
	dst := ls.push()
	ls.loadAbs(dst, abi.GlobalAddr(idx), pvm.OpLoadIndU32)
	ls.finishPush(dst)
	return nil
}

func (ls *lowerState) lowerGlobalSet(idx uint32) error {
	src := ls.pop()
	ls.storeAbs(abi.GlobalAddr(idx), src, pvm.OpStoreIndU32)
	return nil
}

// --- memory -----------------------------------------------------------

var loadOpcodes = map[wasmmodule.OpKind]pvm.Opcode{
	wasmmodule.OpI32Load:     pvm.OpLoadIndU32,
	wasmmodule.OpI64Load:     pvm.OpLoadIndU64,
	wasmmodule.OpI32Load8U:   pvm.OpLoadIndU8,
	wasmmodule.OpI32Load8S:   pvm.OpLoadIndI8,
	wasmmodule.OpI32Load16U:  pvm.OpLoadIndU16,
	wasmmodule.OpI32Load16S:  pvm.OpLoadIndI16,
	wasmmodule.OpI64Load8U:   pvm.OpLoadIndU8,
	wasmmodule.OpI64Load8S:   pvm.OpLoadIndI8,
	wasmmodule.OpI64Load16U:  pvm.OpLoadIndU16,
	wasmmodule.OpI64Load16S:  pvm.OpLoadIndI16,
	wasmmodule.OpI64Load32U:  pvm.OpLoadIndU32,
	wasmmodule.OpI64Load32S:  pvm.OpLoadIndI32,
}

var storeOpcodes = map[wasmmodule.OpKind]pvm.Opcode{
	wasmmodule.OpI32Store:   pvm.OpStoreIndU32,
	wasmmodule.OpI64Store:   pvm.OpStoreIndU64,
	wasmmodule.OpI32Store8:  pvm.OpStoreIndU8,
	wasmmodule.OpI32Store16: pvm.OpStoreIndU16,
	wasmmodule.OpI64Store8:  pvm.OpStoreIndU8,
	wasmmodule.OpI64Store16: pvm.OpStoreIndU16,
	wasmmodule.OpI64Store32: pvm.OpStoreIndU32,
}

func isLoadOp(k wasmmodule.OpKind) bool  { _, ok := loadOpcodes[k]; return ok }
func isStoreOp(k wasmmodule.OpKind) bool { _, ok := storeOpcodes[k]; return ok }

func (ls *lowerState) lowerLoad(op wasmmodule.Operator) error {
	addrReg := ls.pop()
	width := loadOpcodes[op.Kind]
	base := ls.ctx.WasmMemBase + int32(op.Mem.Offset)
	dst := ls.push()
	ls.emit(pvm.Instruction{Op: width, Reg1: dst, Reg2: addrReg, Imm: int64(base)})
	ls.finishPush(dst)
	return nil
}

func (ls *lowerState) lowerStore(op wasmmodule.Operator) error {
	value := ls.pop()
	addrReg := ls.pop()
	width := storeOpcodes[op.Kind]
	base := ls.ctx.WasmMemBase + int32(op.Mem.Offset)
	ls.emit(pvm.Instruction{Op: width, Reg1: value, Reg2: addrReg, Imm: int64(base)})
	return nil
}

// lowerMemorySize/Grow use a compiler-managed "current pages" global stored
// just past the user globals (abi.MemorySizeGlobalOffset), since WASM's
// page count has no PVM-native counterpart.
func (ls *lowerState) lowerMemorySize(kind wasmmodule.OpKind) error {
	pagesAddr := abi.MemorySizeGlobalOffset(len(ls.ctx.Module.Globals))
	if kind == wasmmodule.OpMemorySize {
		dst := ls.push()
		ls.loadAbs(dst, pagesAddr, pvm.OpLoadIndU32)
		ls.finishPush(dst)
		return nil
	}
	// memory.grow: pop delta, push previous size (growth always "succeeds"
	// since PVM's linear memory region is statically reserved).
	// delta and old occupy the same stack register, so delta is first
	// copied into ArgsLenReg (r8), which no other body lowering touches.
	delta := ls.pop()
	newPages := uint8(abi.ArgsLenReg)
	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: newPages, Reg2: delta})
	old := ls.push()
	ls.loadAbs(old, pagesAddr, pvm.OpLoadIndU32)
	ls.emit(pvm.Instruction{Op: pvm.OpAdd32, Reg1: newPages, Reg2: old})
	ls.finishPush(old)
	ls.storeAbs(pagesAddr, newPages, pvm.OpStoreIndU32)
	return nil
}

func (ls *lowerState) lowerMemoryFill() error {
	// pop n, val, dst (WASM stack order: dst, val, n with n on top)
	n := ls.pop()
	val := ls.pop()
	dst := ls.pop()
	ls.emitByteLoop(dst, val, n, true)
	return nil
}

func (ls *lowerState) lowerMemoryCopy() error {
	n := ls.pop()
	src := ls.pop()
	dst := ls.pop()
	ls.emitByteLoop(dst, src, n, false)
	return nil
}

// emitByteLoop synthesizes a runtime byte-copy/fill loop out of branch
// instructions, since PVM has no bulk-memory opcode. isFill selects
// between filling dst with the byte in `srcOrVal` and copying from it.
func (ls *lowerState) emitByteLoop(dst, srcOrVal, n uint8, isFill bool) {
	counter := abi.Scratch1
	cursorDst := abi.Temp1
	cursorSrc := abi.Temp2
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: counter, Imm: 0})
	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: cursorDst, Reg2: dst})
	if !isFill {
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: cursorSrc, Reg2: srcOrVal})
	}

	head := ls.unit.NewLabel()
	done := ls.unit.NewLabel()
	ls.unit.PlaceLabel(head)

	// while counter != n: ... ; counter++
	idx := ls.emit(pvm.Instruction{Op: pvm.OpBranchGeU, Reg1: counter, Reg2: n, ForceImmLen: 4})
	ls.unit.AddFixup(idx, done)

	if isFill {
		ls.emit(pvm.Instruction{Op: pvm.OpStoreIndU8, Reg1: srcOrVal, Reg2: cursorDst, Imm: 0})
	} else {
		tmp := abi.Scratch2
		ls.emit(pvm.Instruction{Op: pvm.OpLoadIndU8, Reg1: tmp, Reg2: cursorSrc, Imm: 0})
		ls.emit(pvm.Instruction{Op: pvm.OpStoreIndU8, Reg1: tmp, Reg2: cursorDst, Imm: 0})
		ls.emit(pvm.Instruction{Op: pvm.OpAddImm64, Reg1: cursorSrc, Imm: 1})
	}
	ls.emit(pvm.Instruction{Op: pvm.OpAddImm64, Reg1: cursorDst, Imm: 1})
	ls.emit(pvm.Instruction{Op: pvm.OpAddImm64, Reg1: counter, Imm: 1})
	idx2 := ls.emit(pvm.Instruction{Op: pvm.OpJump, ForceImmLen: 4})
	ls.unit.AddFixup(idx2, head)

	ls.unit.PlaceLabel(done)
}

// --- select / return ----------------------------------------------------

func (ls *lowerState) lowerSelect() error {
	cond := ls.pop()
	b := ls.pop()
	a := ls.pop()
	dst := ls.push()
	// dst = cond != 0 ? a : b, synthesized without a conditional move:
	// the result is built in b's register (free once popped, and never
	// a's register): it keeps b, is overwritten with a inside a short
	// branch, and is then moved into dst, which shares a's register.
	skip := ls.unit.NewLabel()
	idx := ls.emit(pvm.Instruction{Op: pvm.OpBranchEqImm, Reg1: cond, ForceImmLen: 4})
	ls.unit.AddFixup(idx, skip)
	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: b, Reg2: a})
	ls.unit.PlaceLabel(skip)
	if dst != b {
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: b})
	}
	ls.finishPush(dst)
	return nil
}

func (ls *lowerState) lowerReturn() error {
	ls.emitEpilogue(ls.sig.ResultCount > 0)
	return nil
}

// --- calls --------------------------------------------------------------

func (ls *lowerState) popArgsInto(count int) {
	// WASM pushes args left-to-right, so the top of stack is the last arg.
	// Pop in reverse so position 0 (first arg) is handled last, landing in
	// its register/slot without being clobbered by an earlier pop.
	for i := count - 1; i >= 0; i-- {
		src := ls.pop()
		if i < 4 {
			dst := abi.FirstLocalReg + uint8(i)
			if dst != src {
				ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: src})
			}
		} else {
			ls.storeAbs(abi.ParamOverflowBase+int32(i-4)*8, src, pvm.OpStoreIndU64)
		}
	}
}

// emitStartCall calls funcIdx for its side effects only, ahead of the
// entry function's own body. The WASM start section's signature is always
// () -> (), but any result is popped defensively to keep the operand
// stack balanced.
func (ls *lowerState) emitStartCall(funcIdx uint32) error {
	if err := ls.lowerCall(funcIdx); err != nil {
		return err
	}
	sig, err := ls.ctx.Module.FuncTypeOf(funcIdx)
	if err != nil {
		return err
	}
	if sig.ResultCount > 0 {
		ls.pop()
	}
	return nil
}

func (ls *lowerState) lowerCall(funcIdx uint32) error {
	fn := ls.ctx.Module.Functions[funcIdx]
	if fn.Imported {
		return ls.lowerImportCall(fn)
	}
	sig, err := ls.ctx.Module.FuncTypeOf(funcIdx)
	if err != nil {
		return err
	}
	ls.popArgsInto(sig.ParamCount)

	raIdx := ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: abi.ReturnAddrReg, ForceImmLen: 8})
	jIdx := ls.emit(pvm.Instruction{Op: pvm.OpJump, ForceImmLen: 8})
	ls.unit.CallFixups = append(ls.unit.CallFixups, peephole.CallFixup{
		ReturnAddrInstr: raIdx, JumpInstr: jIdx, TargetFunc: funcIdx,
	})

	if sig.ResultCount > 0 {
		dst := ls.push()
		if dst != abi.ReturnValueReg {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: abi.ReturnValueReg})
		}
		ls.finishPush(dst)
	}
	return nil
}

func (ls *lowerState) lowerImportCall(fn wasmmodule.Function) error {
	sig, err := ls.ctx.Module.FuncTypeOf(fn.FuncIdx)
	if err != nil {
		return err
	}
	action, err := ls.ctx.Imports.Resolve(fn.Import.Module, fn.Import.Name)
	if err != nil {
		return err
	}

	switch action.Kind {
	case imports.ActionTrap:
		for i := 0; i < sig.ParamCount; i++ {
			ls.pop()
		}
		ls.emit(pvm.Instruction{Op: pvm.OpTrap})
		if sig.ResultCount > 0 {
			dst := ls.push()
			ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: dst, Imm: 0})
			ls.finishPush(dst)
		}
		return nil
	case imports.ActionNop:
		for i := 0; i < sig.ParamCount; i++ {
			ls.pop()
		}
		if sig.ResultCount > 0 {
			dst := ls.push()
			ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: dst, Imm: 0})
			ls.finishPush(dst)
		}
		return nil
	case imports.ActionHostCall:
		ls.popArgsInto(sig.ParamCount)
		ls.emit(pvm.Instruction{Op: pvm.OpEcalli, Imm: int64(action.HostCallNum)})
		if sig.ResultCount > 0 {
			dst := ls.push()
			if dst != abi.ReturnValueReg {
				ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: abi.ReturnValueReg})
			}
			ls.finishPush(dst)
		}
		return nil
	case imports.ActionPvmPtr:
		for i := 0; i < sig.ParamCount; i++ {
			ls.pop()
		}
		if sig.ResultCount > 0 {
			dst := ls.push()
			ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: dst, Imm: int64(action.PvmAddr)})
			ls.finishPush(dst)
		}
		return nil
	}
	return fmt.Errorf("stackbackend: unhandled import action")
}

func (ls *lowerState) lowerCallIndirect(op wasmmodule.Operator) error {
	// op.TypeIdx indexes the type section directly, not a function.
	if int(op.TypeIdx) >= len(ls.ctx.Module.Types) {
		return fmt.Errorf("type index %d out of range", op.TypeIdx)
	}
	sig := ls.ctx.Module.Types[op.TypeIdx]
	tableIdx := ls.pop() // index into the element table, holding a global func index
	ls.popArgsInto(sig.ParamCount)

	// Resolve the table slot's global func index to its final code address
	// via an indirect jump table (one 8-byte code address per table slot)
	// maintained by the compiler at RODataBase.
	targetReg := abi.Scratch2
	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: abi.TempResult, Reg2: tableIdx})
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: abi.Scratch1, Imm: 8})
	ls.emit(pvm.Instruction{Op: pvm.OpMul64, Reg1: abi.TempResult, Reg2: abi.Scratch1})
	ls.emit(pvm.Instruction{Op: pvm.OpAddImm64, Reg1: abi.TempResult, Imm: int64(abi.RODataBase)})
	ls.emit(pvm.Instruction{Op: pvm.OpLoadIndU64, Reg1: targetReg, Reg2: abi.TempResult, Imm: 0})

	raIdx := ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: abi.ReturnAddrReg, ForceImmLen: 8})
	ls.emit(pvm.Instruction{Op: pvm.OpJumpInd, Reg1: targetReg})
	ls.unit.IndirectCallFixups = append(ls.unit.IndirectCallFixups, peephole.IndirectCallFixup{
		ReturnAddrInstr: raIdx, JumpIndInstr: raIdx + 1,
	})

	if sig.ResultCount > 0 {
		dst := ls.push()
		if dst != abi.ReturnValueReg {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: abi.ReturnValueReg})
		}
		ls.finishPush(dst)
	}
	return nil
}

// --- br_table -------------------------------------------------------------

func (ls *lowerState) lowerBrTable(op wasmmodule.Operator) error {
	idxReg := ls.pop()
	for i, depth := range op.BrTableTargets {
		next := ls.unit.NewLabel()
		cmp := abi.Scratch1
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: cmp, Imm: int64(i)})
		bidx := ls.emit(pvm.Instruction{Op: pvm.OpBranchNe, Reg1: idxReg, Reg2: cmp, ForceImmLen: 4})
		ls.unit.AddFixup(bidx, next)
		ls.branchTo(ls.frameAt(depth))
		ls.unit.PlaceLabel(next)
	}
	ls.branchTo(ls.frameAt(op.BrTableDefault))
	return nil
}

// --- arithmetic / comparisons / conversions --------------------------------

type binOp struct {
	op32, op64 pvm.Opcode
}

var binaryOps = map[wasmmodule.OpKind]binOp{
	wasmmodule.OpI32Add: {pvm.OpAdd32, 0}, wasmmodule.OpI64Add: {0, pvm.OpAdd64},
	wasmmodule.OpI32Sub: {pvm.OpSub32, 0}, wasmmodule.OpI64Sub: {0, pvm.OpSub64},
	wasmmodule.OpI32Mul: {pvm.OpMul32, 0}, wasmmodule.OpI64Mul: {0, pvm.OpMul64},
	wasmmodule.OpI32DivS: {pvm.OpDivS32, 0}, wasmmodule.OpI64DivS: {0, pvm.OpDivS64},
	wasmmodule.OpI32DivU: {pvm.OpDivU32, 0}, wasmmodule.OpI64DivU: {0, pvm.OpDivU64},
	wasmmodule.OpI32RemS: {pvm.OpRemS32, 0}, wasmmodule.OpI64RemS: {0, pvm.OpRemS64},
	wasmmodule.OpI32RemU: {pvm.OpRemU32, 0}, wasmmodule.OpI64RemU: {0, pvm.OpRemU64},
	wasmmodule.OpI32And: {pvm.OpAnd, pvm.OpAnd}, wasmmodule.OpI64And: {pvm.OpAnd, pvm.OpAnd},
	wasmmodule.OpI32Or: {pvm.OpOr, pvm.OpOr}, wasmmodule.OpI64Or: {pvm.OpOr, pvm.OpOr},
	wasmmodule.OpI32Xor: {pvm.OpXor, pvm.OpXor}, wasmmodule.OpI64Xor: {pvm.OpXor, pvm.OpXor},
	wasmmodule.OpI32Shl: {pvm.OpShl32, 0}, wasmmodule.OpI64Shl: {0, pvm.OpShl64},
	wasmmodule.OpI32ShrS: {pvm.OpShrS32, 0}, wasmmodule.OpI64ShrS: {0, pvm.OpShrS64},
	wasmmodule.OpI32ShrU: {pvm.OpShrU32, 0}, wasmmodule.OpI64ShrU: {0, pvm.OpShrU64},
}

// divTrapGuarded names the binary ops that the stack backend wraps with an
// explicit trap-guard sequence (division by zero, and INT_MIN / -1).
var divTrapGuarded = map[wasmmodule.OpKind]bool{
	wasmmodule.OpI32DivS: true, wasmmodule.OpI32DivU: true,
	wasmmodule.OpI32RemS: true, wasmmodule.OpI32RemU: true,
	wasmmodule.OpI64DivS: true, wasmmodule.OpI64DivU: true,
	wasmmodule.OpI64RemS: true, wasmmodule.OpI64RemU: true,
}

var is64Bit = map[wasmmodule.OpKind]bool{
	wasmmodule.OpI64Add: true, wasmmodule.OpI64Sub: true, wasmmodule.OpI64Mul: true,
	wasmmodule.OpI64DivS: true, wasmmodule.OpI64DivU: true,
	wasmmodule.OpI64RemS: true, wasmmodule.OpI64RemU: true,
	wasmmodule.OpI64And: true, wasmmodule.OpI64Or: true, wasmmodule.OpI64Xor: true,
	wasmmodule.OpI64Shl: true, wasmmodule.OpI64ShrS: true, wasmmodule.OpI64ShrU: true,
	wasmmodule.OpI64Rotl: true, wasmmodule.OpI64Rotr: true,
}

var shiftOps = map[wasmmodule.OpKind]bool{
	wasmmodule.OpI32Shl: true, wasmmodule.OpI32ShrS: true, wasmmodule.OpI32ShrU: true,
	wasmmodule.OpI64Shl: true, wasmmodule.OpI64ShrS: true, wasmmodule.OpI64ShrU: true,
}

var rotateOps = map[wasmmodule.OpKind]bool{
	wasmmodule.OpI32Rotl: true, wasmmodule.OpI32Rotr: true,
	wasmmodule.OpI64Rotl: true, wasmmodule.OpI64Rotr: true,
}

func isBinaryArith(k wasmmodule.OpKind) bool {
	if rotateOps[k] {
		return true
	}
	_, ok := binaryOps[k]
	return ok
}

func (ls *lowerState) lowerBinary(kind wasmmodule.OpKind) error {
	if rotateOps[kind] {
		return ls.lowerRotate(kind)
	}
	bo := binaryOps[kind]
	width := int32(32)
	op := bo.op32
	if is64Bit[kind] {
		width = 64
		op = bo.op64
	}

	rhs := ls.pop()
	lhs := ls.pop()
	dst := ls.push()
	if dst != lhs {
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: lhs})
	}

	if shiftOps[kind] {
		mask := abi.Scratch1
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: mask, Reg2: rhs})
		ls.emit(pvm.Instruction{Op: pvm.OpAndImm, Reg1: mask, Imm: int64(width - 1)})
		ls.emit(pvm.Instruction{Op: op, Reg1: dst, Reg2: mask})
	} else if divTrapGuarded[kind] {
		ls.emitDivGuard(kind, op, rhs, dst, width)
	} else {
		ls.emit(pvm.Instruction{Op: op, Reg1: dst, Reg2: rhs})
	}
	ls.finishPush(dst)
	return nil
}

// emitDivGuard traps on divisor == 0 and, for div_s only, on the INT_MIN /
// -1 overflow case — cases the hardware would otherwise need to define on
// its own, and which this backend makes explicit instead of relying on a
// trapping division instruction. rem_s on that same overflow case does not
// trap: WASM defines (rem_s INT_MIN -1) as 0, so the guard skips the
// hardware remainder op entirely and materializes 0 instead. dividend is
// the register already holding the left-hand operand's value (lowerBinary
// moves it there before calling this); it also receives the op's result.
func (ls *lowerState) emitDivGuard(kind wasmmodule.OpKind, op pvm.Opcode, divisor, dividend uint8, width int32) {
	zeroReg := abi.Scratch2
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: zeroReg, Imm: 0})
	skipZero := ls.unit.NewLabel()
	bidx := ls.emit(pvm.Instruction{Op: pvm.OpBranchNe, Reg1: divisor, Reg2: zeroReg, ForceImmLen: 4})
	ls.unit.AddFixup(bidx, skipZero)
	ls.emit(pvm.Instruction{Op: pvm.OpTrap})
	ls.unit.PlaceLabel(skipZero)

	isRemS := kind == wasmmodule.OpI32RemS || kind == wasmmodule.OpI64RemS
	signed := kind == wasmmodule.OpI32DivS || kind == wasmmodule.OpI64DivS || isRemS
	if !signed {
		ls.emit(pvm.Instruction{Op: op, Reg1: dividend, Reg2: divisor})
		return
	}
	minVal := int64(-1) << 31
	if width == 64 {
		minVal = int64(-1) << 63
	}
	minReg := abi.Scratch1
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm64, Reg1: minReg, Imm: minVal})
	notMin := ls.unit.NewLabel()
	idx2 := ls.emit(pvm.Instruction{Op: pvm.OpBranchNe, Reg1: dividend, Reg2: minReg, ForceImmLen: 4})
	ls.unit.AddFixup(idx2, notMin)
	negOneReg := abi.TempResult
	ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: negOneReg, Imm: -1})
	notNegOne := ls.unit.NewLabel()
	idx3 := ls.emit(pvm.Instruction{Op: pvm.OpBranchNe, Reg1: divisor, Reg2: negOneReg, ForceImmLen: 4})
	ls.unit.AddFixup(idx3, notNegOne)

	if isRemS {
		// INT_MIN % -1 == 0, no trap.
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: dividend, Imm: 0})
		done := ls.unit.NewLabel()
		jidx := ls.emit(pvm.Instruction{Op: pvm.OpJump, ForceImmLen: 4})
		ls.unit.AddFixup(jidx, done)
		ls.unit.PlaceLabel(notNegOne)
		ls.unit.PlaceLabel(notMin)
		ls.emit(pvm.Instruction{Op: op, Reg1: dividend, Reg2: divisor})
		ls.unit.PlaceLabel(done)
		return
	}

	ls.emit(pvm.Instruction{Op: pvm.OpTrap})
	ls.unit.PlaceLabel(notNegOne)
	ls.unit.PlaceLabel(notMin)
	ls.emit(pvm.Instruction{Op: op, Reg1: dividend, Reg2: divisor})
}

// lowerRotate synthesizes i32/i64 rotl/rotr from shifts, since PVM has no
// dedicated rotate opcode: rotl(x, n) == (x << n) | (x >> (w-n)), with the
// shift-width computed as (-n) & (w-1) to avoid a shift-by-width edge case.
func (ls *lowerState) lowerRotate(kind wasmmodule.OpKind) error {
	width := int32(32)
	shl, shr := pvm.OpShl32, pvm.OpShrU32
	if kind == wasmmodule.OpI64Rotl || kind == wasmmodule.OpI64Rotr {
		width = 64
		shl, shr = pvm.OpShl64, pvm.OpShrU64
	}
	isRotl := kind == wasmmodule.OpI32Rotl || kind == wasmmodule.OpI64Rotl
	if !isRotl {
		shl, shr = shr, shl
	}

	nReg := ls.pop()
	xReg := ls.pop()
	dst := ls.push()

	n := abi.Scratch1
	negN := abi.Scratch2
	hi := abi.TempResult

	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: n, Reg2: nReg})
	ls.emit(pvm.Instruction{Op: pvm.OpAndImm, Reg1: n, Imm: int64(width - 1)})

	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: negN, Reg2: n})
	ls.emit(pvm.Instruction{Op: pvm.OpXorImm, Reg1: negN, Imm: -1})
	ls.emit(pvm.Instruction{Op: pvm.OpAddImm32, Reg1: negN, Imm: 1})
	ls.emit(pvm.Instruction{Op: pvm.OpAndImm, Reg1: negN, Imm: int64(width - 1)})

	ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: hi, Reg2: xReg})
	ls.emit(pvm.Instruction{Op: shr, Reg1: hi, Reg2: negN})

	if dst != xReg {
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: xReg})
	}
	ls.emit(pvm.Instruction{Op: shl, Reg1: dst, Reg2: n})
	ls.emit(pvm.Instruction{Op: pvm.OpOr, Reg1: dst, Reg2: hi})

	ls.finishPush(dst)
	return nil
}

// --- unary ------------------------------------------------------------

var unaryOps = map[wasmmodule.OpKind]pvm.Opcode{
	wasmmodule.OpI32Clz:    pvm.OpLeadingZeroBits32,
	wasmmodule.OpI64Clz:    pvm.OpLeadingZeroBits64,
	wasmmodule.OpI32Ctz:    pvm.OpTrailingZeroBits32,
	wasmmodule.OpI64Ctz:    pvm.OpTrailingZeroBits64,
	wasmmodule.OpI32Popcnt: pvm.OpCountSetBits32,
	wasmmodule.OpI64Popcnt: pvm.OpCountSetBits64,
}

func isUnaryArith(k wasmmodule.OpKind) bool {
	if k == wasmmodule.OpI32Eqz || k == wasmmodule.OpI64Eqz {
		return true
	}
	_, ok := unaryOps[k]
	return ok
}

func (ls *lowerState) lowerUnary(kind wasmmodule.OpKind) error {
	src := ls.pop()
	dst := ls.push()
	if kind == wasmmodule.OpI32Eqz || kind == wasmmodule.OpI64Eqz {
		zero := abi.Scratch1
		ls.emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: zero, Imm: 0})
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: src})
		ls.emit(pvm.Instruction{Op: pvm.OpSetEq, Reg1: dst, Reg2: zero})
		ls.finishPush(dst)
		return nil
	}
	op := unaryOps[kind]
	if dst != src {
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: src})
	}
	ls.emit(pvm.Instruction{Op: op, Reg1: dst, Reg2: dst})
	ls.finishPush(dst)
	return nil
}

// --- comparisons --------------------------------------------------------

type cmpDesc struct {
	op      pvm.Opcode
	swapped bool // true if lowered as `rhs op lhs` instead of `lhs op rhs`
}

var compareOps = map[wasmmodule.OpKind]cmpDesc{
	wasmmodule.OpI32Eq: {pvm.OpSetEq, false}, wasmmodule.OpI64Eq: {pvm.OpSetEq, false},
	wasmmodule.OpI32Ne: {pvm.OpSetNe, false}, wasmmodule.OpI64Ne: {pvm.OpSetNe, false},
	wasmmodule.OpI32LtS: {pvm.OpSetLtS, false}, wasmmodule.OpI64LtS: {pvm.OpSetLtS, false},
	wasmmodule.OpI32LtU: {pvm.OpSetLtU, false}, wasmmodule.OpI64LtU: {pvm.OpSetLtU, false},
	wasmmodule.OpI32GtS: {pvm.OpSetLtS, true}, wasmmodule.OpI64GtS: {pvm.OpSetLtS, true},
	wasmmodule.OpI32GtU: {pvm.OpSetLtU, true}, wasmmodule.OpI64GtU: {pvm.OpSetLtU, true},
}

func isCompare(k wasmmodule.OpKind) bool {
	switch k {
	case wasmmodule.OpI32LeS, wasmmodule.OpI64LeS, wasmmodule.OpI32LeU, wasmmodule.OpI64LeU,
		wasmmodule.OpI32GeS, wasmmodule.OpI64GeS, wasmmodule.OpI32GeU, wasmmodule.OpI64GeU:
		return true
	}
	_, ok := compareOps[k]
	return ok
}

// lowerCompare handles eq/ne/lt/gt directly from SetEq/SetNe/SetLtU/SetLtS
// (gt via operand swap), and le/ge as the logical negation of the opposite
// strict comparison (a <= b  ==  !(a > b)).
func (ls *lowerState) lowerCompare(kind wasmmodule.OpKind) error {
	if negated, base := compareKindForLeGe(kind); negated {
		return ls.emitCompare(compareOps[base], true)
	}
	return ls.emitCompare(compareOps[kind], false)
}

// compareKindForLeGe maps *Le*/*Ge* kinds to the strict comparison whose
// result gets negated (le = !gt, ge = !lt), leaving everything else as a
// direct pass-through with negated=false.
func compareKindForLeGe(kind wasmmodule.OpKind) (negated bool, base wasmmodule.OpKind) {
	switch kind {
	case wasmmodule.OpI32LeS:
		return true, wasmmodule.OpI32GtS
	case wasmmodule.OpI64LeS:
		return true, wasmmodule.OpI64GtS
	case wasmmodule.OpI32LeU:
		return true, wasmmodule.OpI32GtU
	case wasmmodule.OpI64LeU:
		return true, wasmmodule.OpI64GtU
	case wasmmodule.OpI32GeS:
		return true, wasmmodule.OpI32LtS
	case wasmmodule.OpI64GeS:
		return true, wasmmodule.OpI64LtS
	case wasmmodule.OpI32GeU:
		return true, wasmmodule.OpI32LtU
	case wasmmodule.OpI64GeU:
		return true, wasmmodule.OpI64LtU
	}
	return false, 0
}

func (ls *lowerState) emitCompare(d cmpDesc, negate bool) error {
	rhs := ls.pop()
	lhs := ls.pop()
	dst := ls.push()
	if d.swapped {
		// dst shares lhs's register, so `rhs op lhs` is computed in rhs's
		// register (free once popped) before lhs could be overwritten.
		ls.emit(pvm.Instruction{Op: d.op, Reg1: rhs, Reg2: lhs})
		if dst != rhs {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: rhs})
		}
	} else {
		if dst != lhs {
			ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: lhs})
		}
		ls.emit(pvm.Instruction{Op: d.op, Reg1: dst, Reg2: rhs})
	}
	if negate {
		ls.emit(pvm.Instruction{Op: pvm.OpXorImm, Reg1: dst, Imm: 1})
	}
	ls.finishPush(dst)
	return nil
}

// --- conversions ----------------------------------------------------------

func isConversion(k wasmmodule.OpKind) bool {
	switch k {
	case wasmmodule.OpI32WrapI64, wasmmodule.OpI64ExtendI32S, wasmmodule.OpI64ExtendI32U,
		wasmmodule.OpI32Extend8S, wasmmodule.OpI32Extend16S,
		wasmmodule.OpI64Extend8S, wasmmodule.OpI64Extend16S, wasmmodule.OpI64Extend32S:
		return true
	}
	return false
}

func (ls *lowerState) lowerConversion(kind wasmmodule.OpKind) error {
	src := ls.pop()
	dst := ls.push()
	if dst != src {
		ls.emit(pvm.Instruction{Op: pvm.OpMoveReg, Reg1: dst, Reg2: src})
	}
	switch kind {
	case wasmmodule.OpI32WrapI64:
		ls.emit(pvm.Instruction{Op: pvm.OpSignExtend32, Reg1: dst, Reg2: dst})
	case wasmmodule.OpI64ExtendI32U:
		ls.emit(pvm.Instruction{Op: pvm.OpZeroExtend32, Reg1: dst, Reg2: dst})
	case wasmmodule.OpI64ExtendI32S:
		ls.emit(pvm.Instruction{Op: pvm.OpSignExtend32, Reg1: dst, Reg2: dst})
	case wasmmodule.OpI32Extend8S, wasmmodule.OpI64Extend8S:
		ls.emit(pvm.Instruction{Op: pvm.OpSignExtend8, Reg1: dst, Reg2: dst})
	case wasmmodule.OpI32Extend16S, wasmmodule.OpI64Extend16S:
		ls.emit(pvm.Instruction{Op: pvm.OpSignExtend16, Reg1: dst, Reg2: dst})
	case wasmmodule.OpI64Extend32S:
		ls.emit(pvm.Instruction{Op: pvm.OpSignExtend32, Reg1: dst, Reg2: dst})
	}
	ls.finishPush(dst)
	return nil
}
