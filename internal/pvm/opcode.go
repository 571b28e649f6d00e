// Package pvm models the PVM instruction set: a typed enumeration of
// opcodes together with a variable-length byte encoding/decoding scheme,
// and the program-blob packaging (instruction stream + basic-block mask)
// that the assembler stage produces.
//
// Every instruction is encoded uniformly as:
//
//	[opcode byte][register byte][imm-length byte][0..8 immediate bytes]
//
// The register byte packs up to two 4-bit register indices (0-12); unused
// nibbles are zero. The immediate is the minimum number of little-endian,
// two's-complement bytes needed to represent the signed value (0 bytes for
// the value 0), sign-extended back to 64 bits on decode. This keeps the
// format self-describing — a decoder that has never heard of an opcode can
// still skip exactly as many bytes as were written — which is what makes
// Unknown round-trip byte-for-byte.
package pvm

// Opcode is a tagged PVM instruction family.
type Opcode uint8

const (
	OpTrap Opcode = iota
	OpFallthrough

	// Control flow.
	OpJump
	OpJumpInd
	OpBranchEqImm
	OpBranchEq
	OpBranchNe
	OpBranchLtU
	OpBranchLtS
	OpBranchLeU
	OpBranchLeS
	OpBranchGtU
	OpBranchGtS
	OpBranchGeU
	OpBranchGeS

	// Calls and environment calls.
	OpEcalli

	// Immediate / register moves.
	OpLoadImm
	OpLoadImm64
	OpMoveReg

	// 32-bit arithmetic.
	OpAdd32
	OpSub32
	OpMul32
	OpAddImm32
	OpDivU32
	OpDivS32
	OpRemU32
	OpRemS32

	// 64-bit arithmetic.
	OpAdd64
	OpSub64
	OpMul64
	OpAddImm64
	OpDivU64
	OpDivS64
	OpRemU64
	OpRemS64

	// Bitwise.
	OpAnd
	OpOr
	OpXor
	OpAndImm
	OpOrImm
	OpXorImm

	// Shifts (mask count by width-1 at lowering time).
	OpShl32
	OpShrU32
	OpShrS32
	OpShl64
	OpShrU64
	OpShrS64

	// Bit counting.
	OpLeadingZeroBits32
	OpLeadingZeroBits64
	OpTrailingZeroBits32
	OpTrailingZeroBits64
	OpCountSetBits32
	OpCountSetBits64

	// Comparisons (produce a 0/1 result in a register).
	OpSetLtU
	OpSetLtS
	OpSetEq
	OpSetNe

	// Conversions.
	OpSignExtend8
	OpSignExtend16
	OpSignExtend32
	OpZeroExtend32

	// Memory, indirect through a base register plus a signed offset.
	OpLoadIndU8
	OpLoadIndI8
	OpLoadIndU16
	OpLoadIndI16
	OpLoadIndU32
	OpLoadIndI32
	OpLoadIndU64
	OpStoreIndU8
	OpStoreIndU16
	OpStoreIndU32
	OpStoreIndU64

	opcodeCount
)

// OpUnknown is a sentinel used only in decoded Instructions whose opcode
// byte did not match any of the constants above. It is never produced by
// the encoder from a named instruction.
const OpUnknown Opcode = 0xFF

type opcodeInfo struct {
	numRegs     int
	hasImm      bool
	terminating bool
	name        string
}

var opcodeTable = map[Opcode]opcodeInfo{
	OpTrap:        {0, false, true, "trap"},
	OpFallthrough: {0, false, true, "fallthrough"},

	OpJump:        {0, true, true, "jump"},
	OpJumpInd:     {1, true, true, "jump_ind"},
	OpBranchEqImm: {1, true, false, "branch_eq_imm"},
	OpBranchEq:    {2, true, false, "branch_eq"},
	OpBranchNe:    {2, true, false, "branch_ne"},
	OpBranchLtU:   {2, true, false, "branch_lt_u"},
	OpBranchLtS:   {2, true, false, "branch_lt_s"},
	OpBranchLeU:   {2, true, false, "branch_le_u"},
	OpBranchLeS:   {2, true, false, "branch_le_s"},
	OpBranchGtU:   {2, true, false, "branch_gt_u"},
	OpBranchGtS:   {2, true, false, "branch_gt_s"},
	OpBranchGeU:   {2, true, false, "branch_ge_u"},
	OpBranchGeS:   {2, true, false, "branch_ge_s"},

	OpEcalli: {0, true, false, "ecalli"},

	OpLoadImm:   {1, true, false, "load_imm"},
	OpLoadImm64: {1, true, false, "load_imm64"},
	OpMoveReg:   {2, false, false, "move_reg"},

	OpAdd32:    {2, false, false, "add32"},
	OpSub32:    {2, false, false, "sub32"},
	OpMul32:    {2, false, false, "mul32"},
	OpAddImm32: {1, true, false, "add_imm32"},
	OpDivU32:   {2, false, false, "div_u32"},
	OpDivS32:   {2, false, false, "div_s32"},
	OpRemU32:   {2, false, false, "rem_u32"},
	OpRemS32:   {2, false, false, "rem_s32"},

	OpAdd64:    {2, false, false, "add64"},
	OpSub64:    {2, false, false, "sub64"},
	OpMul64:    {2, false, false, "mul64"},
	OpAddImm64: {1, true, false, "add_imm64"},
	OpDivU64:   {2, false, false, "div_u64"},
	OpDivS64:   {2, false, false, "div_s64"},
	OpRemU64:   {2, false, false, "rem_u64"},
	OpRemS64:   {2, false, false, "rem_s64"},

	OpAnd:    {2, false, false, "and"},
	OpOr:     {2, false, false, "or"},
	OpXor:    {2, false, false, "xor"},
	OpAndImm: {1, true, false, "and_imm"},
	OpOrImm:  {1, true, false, "or_imm"},
	OpXorImm: {1, true, false, "xor_imm"},

	OpShl32:  {2, false, false, "shl32"},
	OpShrU32: {2, false, false, "shr_u32"},
	OpShrS32: {2, false, false, "shr_s32"},
	OpShl64:  {2, false, false, "shl64"},
	OpShrU64: {2, false, false, "shr_u64"},
	OpShrS64: {2, false, false, "shr_s64"},

	OpLeadingZeroBits32:  {2, false, false, "clz32"},
	OpLeadingZeroBits64:  {2, false, false, "clz64"},
	OpTrailingZeroBits32: {2, false, false, "ctz32"},
	OpTrailingZeroBits64: {2, false, false, "ctz64"},
	OpCountSetBits32:     {2, false, false, "popcnt32"},
	OpCountSetBits64:     {2, false, false, "popcnt64"},

	OpSetLtU: {2, false, false, "set_lt_u"},
	OpSetLtS: {2, false, false, "set_lt_s"},
	OpSetEq:  {2, false, false, "set_eq"},
	OpSetNe:  {2, false, false, "set_ne"},

	OpSignExtend8:  {2, false, false, "sign_extend8"},
	OpSignExtend16: {2, false, false, "sign_extend16"},
	OpSignExtend32: {2, false, false, "sign_extend32"},
	OpZeroExtend32: {2, false, false, "zero_extend32"},

	OpLoadIndU8:  {2, true, false, "load_ind_u8"},
	OpLoadIndI8:  {2, true, false, "load_ind_i8"},
	OpLoadIndU16: {2, true, false, "load_ind_u16"},
	OpLoadIndI16: {2, true, false, "load_ind_i16"},
	OpLoadIndU32: {2, true, false, "load_ind_u32"},
	OpLoadIndI32: {2, true, false, "load_ind_i32"},
	OpLoadIndU64: {2, true, false, "load_ind_u64"},
	OpStoreIndU8:  {2, true, false, "store_ind_u8"},
	OpStoreIndU16: {2, true, false, "store_ind_u16"},
	OpStoreIndU32: {2, true, false, "store_ind_u32"},
	OpStoreIndU64: {2, true, false, "store_ind_u64"},
}

// IsTerminating reports whether op ends a basic block (Trap, Fallthrough,
// Jump, JumpInd — the only four per spec).
func (op Opcode) IsTerminating() bool {
	info, ok := opcodeTable[op]
	return ok && info.terminating
}

// String returns the mnemonic, or "unknown" for an unnamed opcode.
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.name
	}
	return "unknown"
}
