// Package reachability computes which local WASM functions are actually
// reachable from the module's entry points, so dead functions can be
// skipped during compilation instead of lowered and then discarded.
package reachability

import (
	"go.uber.org/zap"

	"github.com/xyproto/wasmpvm/internal/wasmmodule"
)

// SecondaryEntryName is the conventional secondary entry point, following
// the WASI `_start` convention: a module may export both `main` and
// `_start`, and either keeps the functions it reaches alive.
const SecondaryEntryName = "_start"

// Entries resolves the module's recognized entry points to local function
// indices: the exported "main", the exported "_start" if present, and the
// start section function if declared.
type Entries struct {
	MainLocalIdx      int
	SecondaryLocalIdx int // -1 if absent
	StartLocalIdx     int // -1 if absent
}

// ResolveEntries finds the module's entry points. It reports false only
// when there is no usable primary entry at all; a missing "main" export
// still resolves if "_start" is present, matching the WASI pattern where
// either name is acceptable as a primary entry.
func ResolveEntries(m *wasmmodule.Module) (Entries, bool) {
	numImports := m.NumImportedFuncs()
	e := Entries{MainLocalIdx: -1, SecondaryLocalIdx: -1, StartLocalIdx: -1}

	if idx, ok := m.ExportedFuncIdx("main"); ok {
		e.MainLocalIdx = toLocal(idx, numImports)
	}
	if idx, ok := m.ExportedFuncIdx(SecondaryEntryName); ok {
		local := toLocal(idx, numImports)
		if e.MainLocalIdx == -1 {
			e.MainLocalIdx = local
		} else {
			e.SecondaryLocalIdx = local
		}
	}
	if m.StartFuncIdx != nil {
		e.StartLocalIdx = toLocal(int(*m.StartFuncIdx), numImports)
	}

	return e, e.MainLocalIdx != -1
}

func toLocal(globalIdx int, numImports int) int {
	local := globalIdx - numImports
	if local < 0 {
		return -1
	}
	return local
}

// Reachable computes the set of local function indices reachable from the
// module's entry points and function table, following direct Call and
// RefFunc edges transitively. CallIndirect contributes no additional edges
// beyond the table, which is already fully seeded.
func Reachable(m *wasmmodule.Module, entries Entries, log *zap.Logger) (map[int]bool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	numImports := m.NumImportedFuncs()
	numLocals := len(m.Functions) - numImports

	reachable := make(map[int]bool)
	var worklist []int

	enqueue := func(idx int) {
		if idx >= 0 {
			worklist = append(worklist, idx)
		}
	}
	enqueue(entries.MainLocalIdx)
	enqueue(entries.SecondaryLocalIdx)
	enqueue(entries.StartLocalIdx)

	for _, seg := range m.Elements {
		for _, globalIdx := range seg.FuncIdxs {
			if globalIdx == wasmmodule.NullFuncIdx {
				continue
			}
			local := toLocal(int(globalIdx), numImports)
			if local >= 0 && local < numLocals {
				enqueue(local)
			}
		}
	}

	for len(worklist) > 0 {
		localIdx := worklist[0]
		worklist = worklist[1:]

		if reachable[localIdx] {
			continue
		}
		if localIdx < 0 || localIdx >= numLocals {
			continue
		}
		reachable[localIdx] = true

		body := m.Functions[numImports+localIdx].Body
		r := wasmmodule.NewOperatorReader(body)
		for !r.Eof() {
			op, err := r.Next()
			if err != nil {
				return nil, err
			}
			var targetGlobal int
			switch op.Kind {
			case wasmmodule.OpCall:
				targetGlobal = int(op.FuncIdx)
			case wasmmodule.OpRefFunc:
				targetGlobal = int(op.FuncIdx)
			default:
				continue
			}
			calledLocal := toLocal(targetGlobal, numImports)
			if calledLocal >= 0 && calledLocal < numLocals && !reachable[calledLocal] {
				worklist = append(worklist, calledLocal)
			}
			// CallIndirect targets are already seeded from the element
			// table above.
		}
	}

	log.Debug("dead function elimination",
		zap.Int("reachable", len(reachable)),
		zap.Int("total_local", numLocals),
	)

	return reachable, nil
}
