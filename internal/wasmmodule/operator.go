package wasmmodule

// OpKind identifies which WASM operator an Operator represents. The
// catalog here is exactly the subset the lowering engine supports —
// everything else (SIMD, reference types beyond funcref, multi-memory,
// atomics) surfaces as OpKind Unsupported with the raw opcode recorded,
// and any floating-point operator surfaces as OpFloat.
type OpKind int

const (
	OpUnreachable OpKind = iota
	OpNop
	OpBlock
	OpLoop
	OpIf
	OpElse
	OpEnd
	OpBr
	OpBrIf
	OpBrTable
	OpReturn
	OpCall
	OpCallIndirect
	OpDrop
	OpSelect
	OpLocalGet
	OpLocalSet
	OpLocalTee
	OpGlobalGet
	OpGlobalSet

	OpI32Load
	OpI64Load
	OpI32Load8U
	OpI32Load8S
	OpI32Load16U
	OpI32Load16S
	OpI64Load8U
	OpI64Load8S
	OpI64Load16U
	OpI64Load16S
	OpI64Load32U
	OpI64Load32S

	OpI32Store
	OpI64Store
	OpI32Store8
	OpI32Store16
	OpI64Store8
	OpI64Store16
	OpI64Store32

	OpMemorySize
	OpMemoryGrow
	OpMemoryFill
	OpMemoryCopy

	OpI32Const
	OpI64Const

	OpI32Eqz
	OpI32Eq
	OpI32Ne
	OpI32LtS
	OpI32LtU
	OpI32GtS
	OpI32GtU
	OpI32LeS
	OpI32LeU
	OpI32GeS
	OpI32GeU
	OpI64Eqz
	OpI64Eq
	OpI64Ne
	OpI64LtS
	OpI64LtU
	OpI64GtS
	OpI64GtU
	OpI64LeS
	OpI64LeU
	OpI64GeS
	OpI64GeU

	OpI32Clz
	OpI32Ctz
	OpI32Popcnt
	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32DivS
	OpI32DivU
	OpI32RemS
	OpI32RemU
	OpI32And
	OpI32Or
	OpI32Xor
	OpI32Shl
	OpI32ShrS
	OpI32ShrU
	OpI32Rotl
	OpI32Rotr

	OpI64Clz
	OpI64Ctz
	OpI64Popcnt
	OpI64Add
	OpI64Sub
	OpI64Mul
	OpI64DivS
	OpI64DivU
	OpI64RemS
	OpI64RemU
	OpI64And
	OpI64Or
	OpI64Xor
	OpI64Shl
	OpI64ShrS
	OpI64ShrU
	OpI64Rotl
	OpI64Rotr

	OpI32WrapI64
	OpI64ExtendI32S
	OpI64ExtendI32U
	OpI32Extend8S
	OpI32Extend16S
	OpI64Extend8S
	OpI64Extend16S
	OpI64Extend32S

	OpRefFunc

	// OpFloat marks any floating-point operator. Compilation of a module
	// containing one fails with a float-not-supported error
	// (compiler.KindFloatNotSupported).
	OpFloat
	// OpUnsupported marks a recognized-but-unsupported WASM proposal
	// operator (SIMD, non-funcref reference types, multi-memory, atomics).
	OpUnsupported
)

// MemArg is the alignment/offset pair attached to loads and stores.
type MemArg struct {
	Align  uint32
	Offset uint64
}

// Operator is one decoded WASM instruction.
type Operator struct {
	Kind OpKind

	I32 int32
	I64 int64

	LocalIdx  uint32
	GlobalIdx uint32
	FuncIdx   uint32
	TypeIdx   uint32
	TableIdx  uint32

	Mem MemArg

	// HasBlockResult is set for Block/If when the block type is not empty.
	HasBlockResult bool

	// BrTableTargets/BrTableDefault are populated for OpBrTable.
	BrTableTargets []uint32
	BrTableDefault uint32

	// RawOpcode/RawName help produce a useful Unsupported/Float diagnostic.
	RawOpcode byte
	RawName   string
}
