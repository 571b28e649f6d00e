// Package compiler orchestrates the full WASM-to-SPI pipeline: parse,
// dead-function elimination, per-function lowering via the stack backend,
// and the global fixup/layout pass that turns independently lowered
// functions into one linked SPI program image.
package compiler

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xyproto/wasmpvm/internal/abi"
	"github.com/xyproto/wasmpvm/internal/clog"
	"github.com/xyproto/wasmpvm/internal/imports"
	"github.com/xyproto/wasmpvm/internal/peephole"
	"github.com/xyproto/wasmpvm/internal/pvm"
	"github.com/xyproto/wasmpvm/internal/reachability"
	"github.com/xyproto/wasmpvm/internal/spi"
	"github.com/xyproto/wasmpvm/internal/stackbackend"
	"github.com/xyproto/wasmpvm/internal/wasmmodule"
)

// Compile turns a WASM binary into a ready-to-encode SPI program image.
func Compile(wasmBytes []byte, opts Options) (*spi.Program, error) {
	log := clog.OrNop(opts.Logger)

	module, err := wasmmodule.Parse(wasmBytes)
	if err != nil {
		return nil, wrap(KindWasmParse, "parsing WASM module", err)
	}

	entries, ok := reachability.ResolveEntries(module)
	if !ok {
		return nil, wrap(KindNoExportedFunction, `module exports neither "main" nor "_start"`, nil)
	}

	reachable, err := reachability.Reachable(module, entries, log)
	if err != nil {
		return nil, wrap(KindWasmParse, "walking call graph", err)
	}

	numImported := module.NumImportedFuncs()
	numLocal := len(module.Functions) - numImported
	wasmMemBase := abi.ComputeWasmMemoryBase(numLocal)

	resolver := imports.NewResolver(opts.Imports)
	ctx := &stackbackend.Context{
		Module:           module,
		Imports:          resolver,
		WasmMemBase:      wasmMemBase,
		NumImportedFuncs: numImported,
	}

	// A module's start section runs before its primary entry. If it names a
	// different function than the one already chosen as the entry (main, or
	// _start promoted to primary when main is absent), the entry function
	// calls it first, via the ordinary call path, before anything else.
	mainGlobalIdx := uint32(numImported + entries.MainLocalIdx)
	var startFuncIdx *uint32
	if module.StartFuncIdx != nil && *module.StartFuncIdx != mainGlobalIdx {
		startFuncIdx = module.StartFuncIdx
	}

	entryOpts := stackbackend.EntryOptions{
		Convention:    opts.EntryConvention,
		GlobalsPtrIdx: opts.GlobalsPtrIdx,
		GlobalsLenIdx: opts.GlobalsLenIdx,
		StartFuncIdx:  startFuncIdx,
	}

	units := make([]*peephole.Unit, numLocal)
	for localIdx := 0; localIdx < numLocal; localIdx++ {
		if !reachable[localIdx] {
			continue
		}
		isEntry := localIdx == entries.MainLocalIdx
		lowered, err := stackbackend.LowerFunction(ctx, localIdx, isEntry, entryOpts)
		if err != nil {
			return nil, wrap(lowerErrorKind(err), fmt.Sprintf("lowering function %d", localIdx), err)
		}
		peephole.Optimize(lowered.Unit)
		if err := peephole.ResolveLabels(lowered.Unit); err != nil {
			return nil, wrap(KindInternal, fmt.Sprintf("resolving branches in function %d", localIdx), err)
		}
		units[localIdx] = lowered.Unit
		log.Debug("lowered function",
			zap.Int("local_idx", localIdx),
			zap.Bool("leaf", lowered.IsLeaf),
			zap.Int("instructions", len(lowered.Unit.Instructions)),
		)
	}

	allInstrs, funcInstrBase := concatFunctions(units, numLocal)
	trapStubInstrIdx := len(allInstrs)
	allInstrs = append(allInstrs, pvm.Instruction{Op: pvm.OpTrap})

	byteOffsets := peephole.ByteOffsets(allInstrs)
	trapStubByteOffset := int32(byteOffsets[trapStubInstrIdx])

	funcByteBase := make([]int32, numLocal)
	for i, instrIdx := range funcInstrBase {
		if instrIdx < 0 {
			continue
		}
		funcByteBase[i] = int32(byteOffsets[instrIdx])
	}

	if err := patchFixups(units, numImported, funcInstrBase, funcByteBase, allInstrs, byteOffsets); err != nil {
		return nil, err
	}

	roData := buildJumpTable(module, numImported, numLocal, funcByteBase, trapStubByteOffset)
	rwData := buildRWData(module, wasmMemBase)

	blob := pvm.NewProgramBlob(allInstrs)
	program := spi.New(blob).
		WithROData(roData).
		WithRWData(rwData).
		WithStackSize(opts.stackSize()).
		WithHeapPages(opts.heapPages())

	log.Info("compiled WASM module",
		zap.Int("functions_lowered", countLowered(units)),
		zap.Int("functions_total", numLocal),
		zap.Int("instructions", len(allInstrs)),
		zap.Int32("wasm_memory_base", wasmMemBase),
	)

	return program, nil
}

// lowerErrorKind classifies a lowering failure for the CLI's benefit. Every
// lowering error is some flavor of "this WASM feature isn't supported by
// this backend"; float operations get their own kind since they're the one
// unsupported feature a user is likely to hit deliberately (a module built
// without a soft-float target), not a modeling gap.
func lowerErrorKind(err error) Kind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "float"):
		return KindFloatNotSupported
	case strings.Contains(msg, "unresolved import"):
		return KindUnresolvedImport
	default:
		return KindUnsupported
	}
}

func countLowered(units []*peephole.Unit) int {
	n := 0
	for _, u := range units {
		if u != nil {
			n++
		}
	}
	return n
}

// concatFunctions lays out every lowered function's instructions back to
// back in declaration order. funcInstrBase[i] is the index into the
// returned slice where function i's first instruction lands, or -1 if it
// was never lowered (unreachable).
func concatFunctions(units []*peephole.Unit, numLocal int) ([]pvm.Instruction, []int) {
	var all []pvm.Instruction
	base := make([]int, numLocal)
	for i := 0; i < numLocal; i++ {
		u := units[i]
		if u == nil {
			base[i] = -1
			continue
		}
		base[i] = len(all)
		all = append(all, u.Instructions...)
	}
	return all, base
}

// toLocalFuncIdx converts a global function index (imports sort first) to
// a local index, or -1 if globalIdx names an import.
func toLocalFuncIdx(globalIdx, numImported int) int {
	local := globalIdx - numImported
	if local < 0 {
		return -1
	}
	return local
}

// patchFixups resolves every CallFixup and IndirectCallFixup now that each
// function has a final position in the combined instruction stream: the
// jump instruction gets the PC-relative delta to the callee's entry point,
// and the paired return-address instruction gets the absolute byte offset
// immediately following the jump, where the callee's JumpInd lands back.
//
// A direct call's target is always a local, reachable function: any
// function a reachable function calls was itself enqueued during
// reachability analysis, so a missing target here means the two passes
// disagree about the call graph, not a bad input module.
func patchFixups(units []*peephole.Unit, numImported int, funcInstrBase []int, funcByteBase []int32, allInstrs []pvm.Instruction, byteOffsets []int) error {
	for localIdx, u := range units {
		if u == nil {
			continue
		}
		base := funcInstrBase[localIdx]

		for _, cf := range u.CallFixups {
			targetLocal := toLocalFuncIdx(int(cf.TargetFunc), numImported)
			if targetLocal < 0 || targetLocal >= len(units) || units[targetLocal] == nil {
				return wrap(KindInternal, fmt.Sprintf(
					"call from function %d targets function %d, which was never lowered", localIdx, cf.TargetFunc), nil)
			}
			raIdx := base + cf.ReturnAddrInstr
			jIdx := base + cf.JumpInstr
			returnAddr := int64(byteOffsets[jIdx+1])
			allInstrs[raIdx].Imm = returnAddr
			allInstrs[jIdx].Imm = int64(funcByteBase[targetLocal]) - int64(byteOffsets[jIdx])
		}

		for _, icf := range u.IndirectCallFixups {
			raIdx := base + icf.ReturnAddrInstr
			jIdx := base + icf.JumpIndInstr
			allInstrs[raIdx].Imm = int64(byteOffsets[jIdx+1])
		}
	}
	return nil
}

// buildJumpTable builds the call_indirect resolution table at RODataBase:
// one 8-byte absolute code address per table slot. Slots with no element
// (ref.null) and slots referencing an import (call_indirect through a
// host-provided function pointer isn't modeled) resolve to a shared trap
// stub instead of a null or stale address. Every non-null, non-import
// table entry names a local function that reachability analysis already
// seeded from this same element data, so it is always lowered.
func buildJumpTable(m *wasmmodule.Module, numImported, numLocal int, funcByteBase []int32, trapStubByteOffset int32) []byte {
	table := make([]byte, m.TableLength*8)
	for slot := 0; slot < m.TableLength; slot++ {
		binary.LittleEndian.PutUint64(table[slot*8:], uint64(uint32(trapStubByteOffset)))
	}
	for _, seg := range m.Elements {
		for i, globalIdx := range seg.FuncIdxs {
			slot := int(seg.Offset) + i
			if slot < 0 || slot >= m.TableLength {
				continue
			}
			addr := trapStubByteOffset
			if globalIdx != wasmmodule.NullFuncIdx {
				if local := toLocalFuncIdx(int(globalIdx), numImported); local >= 0 && local < numLocal {
					addr = funcByteBase[local]
				}
			}
			binary.LittleEndian.PutUint64(table[slot*8:], uint64(uint32(addr)))
		}
	}
	return table
}

// buildRWData assembles the RWData segment: WASM globals and the
// compiler-managed memory-size global live at GlobalMemoryBase, in the
// byte layout abi.GlobalAddr and abi.MemorySizeGlobalOffset expect; active
// data segments are placed at their WASM linear-memory address, translated
// into the same buffer since WasmMemBase sits past GlobalMemoryBase in the
// address space and SPI loads one flat RW blob at a single fixed base.
func buildRWData(m *wasmmodule.Module, wasmMemBase int32) []byte {
	size := int32(len(m.Globals))*4 + 4 // + the compiler-managed pages global
	for _, seg := range m.Data {
		end := (wasmMemBase + seg.Offset - abi.GlobalMemoryBase) + int32(len(seg.Bytes))
		if end > size {
			size = end
		}
	}

	buf := make([]byte, size)
	for i, g := range m.Globals {
		// Globals are stored as 32-bit words; an i64 global's initial value
		// is truncated to its low 32 bits, matching the stack backend's
		// 32-bit global load/store lowering.
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(g.InitI64))
	}
	binary.LittleEndian.PutUint32(buf[len(m.Globals)*4:], m.MemoryPages)

	for _, seg := range m.Data {
		start := wasmMemBase + seg.Offset - abi.GlobalMemoryBase
		copy(buf[start:], seg.Bytes)
	}
	return buf
}
