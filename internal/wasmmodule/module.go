// Package wasmmodule parses the WASM binary format into a Module the rest
// of the compiler walks. No importable WASM binary decoder exists among
// the reference dependency stacks available to this project, so parsing
// is hand-written here; everything downstream of parsing leans on the
// ecosystem as heavily as it can.
package wasmmodule

import "fmt"

// FuncType is a WASM function signature. We only need arity, not full
// value types, since every WASM value we lower is either i32 or i64 (or
// unsupported).
type FuncType struct {
	ParamCount  int
	ResultCount int
}

// ImportKind distinguishes what an import section entry refers to.
type ImportKind int

const (
	ImportFunc ImportKind = iota
	ImportTable
	ImportMemory
	ImportGlobal
)

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Kind   ImportKind
	// TypeIdx is valid when Kind == ImportFunc.
	TypeIdx uint32
}

// Function is one function defined by the module, whether imported or
// local. Imported functions have Body == nil; FuncIdx is the function's
// position in the combined imported+local index space.
type Function struct {
	FuncIdx  uint32
	TypeIdx  uint32
	Imported bool
	Import   Import // valid when Imported

	Locals []ValType // local declarations, in index order after params
	Body   []byte    // raw bytecode, valid when !Imported
}

// ValType is a WASM value type. Only integer types are supported for
// lowering; Float marks anything else so it can trigger FloatNotSupported
// at the point of use rather than at parse time.
type ValType int

const (
	ValI32 ValType = iota
	ValI64
	ValFloat
	ValFuncRef
	ValExternRef
)

// GlobalDef is one entry of the global section.
type GlobalDef struct {
	Type    ValType
	Mutable bool
	// InitI64 holds the initial value for integer globals; InitFuncRef
	// holds the referenced function index (or -1 for ref.null) when
	// Type == ValFuncRef.
	InitI64     int64
	InitFuncRef int64
}

// ElementSegment is one active element segment, already flattened to a
// slice of function indices (nil entries become NullFuncIdx).
type ElementSegment struct {
	TableIdx uint32
	// Offset is the segment's constant i32 start offset within the table.
	Offset   int32
	FuncIdxs []uint32
}

// NullFuncIdx marks a table slot with no function (ref.null).
const NullFuncIdx = ^uint32(0)

// DataSegment is one active data segment.
type DataSegment struct {
	MemIdx int
	Offset int32
	Bytes  []byte
}

// Export is one entry of the export section.
type Export struct {
	Name string
	Kind ImportKind // ImportFunc, ImportTable, ImportMemory, or ImportGlobal
	Idx  uint32
}

// Module is the fully parsed, flattened view of a WASM binary. The function
// index space already includes imports, matching the combined index space
// the WASM spec defines; imported globals and tables are not recorded, so
// Globals and TableLength cover only the module's own definitions.
type Module struct {
	Types     []FuncType
	Functions []Function
	Globals   []GlobalDef
	Elements  []ElementSegment
	Data      []DataSegment
	Exports   []Export

	TableLength int
	MemoryPages uint32 // initial memory size, in 64KiB pages

	// StartFuncIdx is set when the module declares a start section.
	StartFuncIdx *uint32
}

// FuncTypeOf returns the signature of the function at idx.
func (m *Module) FuncTypeOf(idx uint32) (FuncType, error) {
	if int(idx) >= len(m.Functions) {
		return FuncType{}, fmt.Errorf("function index %d out of range", idx)
	}
	typeIdx := m.Functions[idx].TypeIdx
	if int(typeIdx) >= len(m.Types) {
		return FuncType{}, fmt.Errorf("type index %d out of range", typeIdx)
	}
	return m.Types[typeIdx], nil
}

// ExportedFuncIdx looks up an exported function by name.
func (m *Module) ExportedFuncIdx(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == ImportFunc && e.Name == name {
			return e.Idx, true
		}
	}
	return 0, false
}

// NumImportedFuncs returns how many of Functions are imports (they sort
// first in the combined index space, per the WASM binary format).
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, f := range m.Functions {
		if f.Imported {
			n++
		}
		if !f.Imported {
			break
		}
	}
	return n
}
