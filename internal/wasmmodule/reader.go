package wasmmodule

import "fmt"

// OperatorReader decodes one WASM instruction at a time from a function
// body's bytecode. It is shared by reachability scanning and the stack
// backend so the two never disagree about what an opcode byte means.
type OperatorReader struct {
	buf []byte
	pos int
}

// NewOperatorReader wraps the bytecode of a single function body (the
// bytes after the locals declarations, up to and including the function's
// final `end`).
func NewOperatorReader(buf []byte) *OperatorReader {
	return &OperatorReader{buf: buf}
}

// Eof reports whether every byte has been consumed.
func (r *OperatorReader) Eof() bool { return r.pos >= len(r.buf) }

// Next decodes the next operator.
func (r *OperatorReader) Next() (Operator, error) {
	op, n, err := decodeOperator(r.buf, r.pos)
	if err != nil {
		return Operator{}, err
	}
	r.pos = n
	return op, nil
}

func memarg(b []byte, pos int) (MemArg, int, error) {
	align, p, err := readU32(b, pos)
	if err != nil {
		return MemArg{}, pos, err
	}
	offset, p, err := readU64(b, p)
	if err != nil {
		return MemArg{}, pos, err
	}
	return MemArg{Align: align, Offset: offset}, p, nil
}

func blockType(b []byte, pos int) (bool, int, error) {
	byt, p, err := readByte(b, pos)
	if err != nil {
		return false, pos, err
	}
	if byt == 0x40 { // empty
		return false, p, nil
	}
	if byt == 0x7F || byt == 0x7E || byt == 0x7D || byt == 0x7C || byt == 0x70 || byt == 0x6F {
		// single value-type result (i32/i64/f32/f64/funcref/externref)
		return true, p, nil
	}
	// Otherwise it's a signed LEB128 type index into the type section
	// (multi-value block type). We don't model multi-value results beyond
	// "has a result", which is all the lowering engine needs.
	_, p2, err := readI64raw(b, pos, 33)
	if err != nil {
		return false, pos, err
	}
	return true, p2, nil
}

func decodeOperator(b []byte, pos int) (Operator, int, error) {
	opcode, p, err := readByte(b, pos)
	if err != nil {
		return Operator{}, pos, err
	}

	switch opcode {
	case 0x00:
		return Operator{Kind: OpUnreachable}, p, nil
	case 0x01:
		return Operator{Kind: OpNop}, p, nil
	case 0x02:
		hasResult, p2, err := blockType(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpBlock, HasBlockResult: hasResult}, p2, nil
	case 0x03:
		_, p2, err := blockType(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpLoop}, p2, nil
	case 0x04:
		hasResult, p2, err := blockType(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpIf, HasBlockResult: hasResult}, p2, nil
	case 0x05:
		return Operator{Kind: OpElse}, p, nil
	case 0x0B:
		return Operator{Kind: OpEnd}, p, nil
	case 0x0C, 0x0D:
		depth, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		kind := OpBr
		if opcode == 0x0D {
			kind = OpBrIf
		}
		return Operator{Kind: kind, I32: int32(depth)}, p2, nil
	case 0x0E:
		count, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		targets := make([]uint32, count)
		for i := range targets {
			targets[i], p2, err = readU32(b, p2)
			if err != nil {
				return Operator{}, pos, err
			}
		}
		def, p3, err := readU32(b, p2)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpBrTable, BrTableTargets: targets, BrTableDefault: def}, p3, nil
	case 0x0F:
		return Operator{Kind: OpReturn}, p, nil
	case 0x10:
		idx, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpCall, FuncIdx: idx}, p2, nil
	case 0x11:
		typeIdx, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		tableIdx, p3, err := readU32(b, p2)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpCallIndirect, TypeIdx: typeIdx, TableIdx: tableIdx}, p3, nil
	case 0x1A:
		return Operator{Kind: OpDrop}, p, nil
	case 0x1B, 0x1C:
		// 0x1C is select with explicit types (reference types proposal);
		// we accept it and treat it the same as plain select.
		if opcode == 0x1C {
			count, p2, err := readU32(b, p)
			if err != nil {
				return Operator{}, pos, err
			}
			_, p3, err := readBytes(b, p2, int(count))
			if err != nil {
				return Operator{}, pos, err
			}
			return Operator{Kind: OpSelect}, p3, nil
		}
		return Operator{Kind: OpSelect}, p, nil
	case 0x20, 0x21, 0x22:
		idx, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		kind := map[byte]OpKind{0x20: OpLocalGet, 0x21: OpLocalSet, 0x22: OpLocalTee}[opcode]
		return Operator{Kind: kind, LocalIdx: idx}, p2, nil
	case 0x23, 0x24:
		idx, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		kind := OpGlobalGet
		if opcode == 0x24 {
			kind = OpGlobalSet
		}
		return Operator{Kind: kind, GlobalIdx: idx}, p2, nil

	case 0x28, 0x29, 0x2C, 0x2D, 0x2E, 0x2F, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
		0x36, 0x37, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E:
		m, p2, err := memarg(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		kinds := map[byte]OpKind{
			0x28: OpI32Load, 0x29: OpI64Load,
			0x2C: OpI32Load8S, 0x2D: OpI32Load8U, 0x2E: OpI32Load16S, 0x2F: OpI32Load16U,
			0x30: OpI64Load8S, 0x31: OpI64Load8U, 0x32: OpI64Load16S, 0x33: OpI64Load16U,
			0x34: OpI64Load32S, 0x35: OpI64Load32U,
			0x36: OpI32Store, 0x37: OpI64Store,
			0x3A: OpI32Store8, 0x3B: OpI32Store16,
			0x3C: OpI64Store8, 0x3D: OpI64Store16, 0x3E: OpI64Store32,
		}
		return Operator{Kind: kinds[opcode], Mem: m}, p2, nil

	case 0x3F, 0x40:
		// memory.size / memory.grow: reserved byte must be 0x00 (mem index).
		_, p2, err := readByte(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		kind := OpMemorySize
		if opcode == 0x40 {
			kind = OpMemoryGrow
		}
		return Operator{Kind: kind}, p2, nil

	case 0x41:
		v, p2, err := readI32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpI32Const, I32: v}, p2, nil
	case 0x42:
		v, p2, err := readI64(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpI64Const, I64: v}, p2, nil
	case 0x43:
		_, p2, err := readBytes(b, p, 4)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpFloat, RawOpcode: opcode, RawName: "f32.const"}, p2, nil
	case 0x44:
		_, p2, err := readBytes(b, p, 8)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpFloat, RawOpcode: opcode, RawName: "f64.const"}, p2, nil

	case 0xD2: // ref.func
		idx, p2, err := readU32(b, p)
		if err != nil {
			return Operator{}, pos, err
		}
		return Operator{Kind: OpRefFunc, FuncIdx: idx}, p2, nil

	case 0xFC:
		return decodeFCPrefixed(b, p, pos)
	}

	if simpleOp, ok := simpleOpcodes[opcode]; ok {
		return Operator{Kind: simpleOp}, p, nil
	}
	if name, ok := floatOpcodeNames[opcode]; ok {
		return Operator{Kind: OpFloat, RawOpcode: opcode, RawName: name}, p, nil
	}

	return Operator{Kind: OpUnsupported, RawOpcode: opcode, RawName: fmt.Sprintf("opcode 0x%02x", opcode)}, p, nil
}

func decodeFCPrefixed(b []byte, p int, startPos int) (Operator, int, error) {
	sub, p2, err := readU32(b, p)
	if err != nil {
		return Operator{}, startPos, err
	}
	switch sub {
	case 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07:
		// trunc_sat variants all involve a float source operand.
		return Operator{Kind: OpFloat, RawOpcode: 0xFC, RawName: "trunc_sat"}, p2, nil
	case 0x0A: // memory.copy: dst_mem, src_mem reserved bytes
		_, p3, err := readU32(b, p2)
		if err != nil {
			return Operator{}, startPos, err
		}
		_, p4, err := readU32(b, p3)
		if err != nil {
			return Operator{}, startPos, err
		}
		return Operator{Kind: OpMemoryCopy}, p4, nil
	case 0x0B: // memory.fill: reserved byte
		_, p3, err := readU32(b, p2)
		if err != nil {
			return Operator{}, startPos, err
		}
		return Operator{Kind: OpMemoryFill}, p3, nil
	default:
		return Operator{Kind: OpUnsupported, RawOpcode: 0xFC, RawName: fmt.Sprintf("bulk-memory op 0x%02x", sub)}, p2, nil
	}
}

var simpleOpcodes = map[byte]OpKind{
	0x45: OpI32Eqz,
	0x46: OpI32Eq, 0x47: OpI32Ne,
	0x48: OpI32LtS, 0x49: OpI32LtU, 0x4A: OpI32GtS, 0x4B: OpI32GtU,
	0x4C: OpI32LeS, 0x4D: OpI32LeU, 0x4E: OpI32GeS, 0x4F: OpI32GeU,
	0x50: OpI64Eqz,
	0x51: OpI64Eq, 0x52: OpI64Ne,
	0x53: OpI64LtS, 0x54: OpI64LtU, 0x55: OpI64GtS, 0x56: OpI64GtU,
	0x57: OpI64LeS, 0x58: OpI64LeU, 0x59: OpI64GeS, 0x5A: OpI64GeU,

	0x67: OpI32Clz, 0x68: OpI32Ctz, 0x69: OpI32Popcnt,
	0x6A: OpI32Add, 0x6B: OpI32Sub, 0x6C: OpI32Mul,
	0x6D: OpI32DivS, 0x6E: OpI32DivU, 0x6F: OpI32RemS, 0x70: OpI32RemU,
	0x71: OpI32And, 0x72: OpI32Or, 0x73: OpI32Xor,
	0x74: OpI32Shl, 0x75: OpI32ShrS, 0x76: OpI32ShrU,
	0x77: OpI32Rotl, 0x78: OpI32Rotr,

	0x79: OpI64Clz, 0x7A: OpI64Ctz, 0x7B: OpI64Popcnt,
	0x7C: OpI64Add, 0x7D: OpI64Sub, 0x7E: OpI64Mul,
	0x7F: OpI64DivS, 0x80: OpI64DivU, 0x81: OpI64RemS, 0x82: OpI64RemU,
	0x83: OpI64And, 0x84: OpI64Or, 0x85: OpI64Xor,
	0x86: OpI64Shl, 0x87: OpI64ShrS, 0x88: OpI64ShrU,
	0x89: OpI64Rotl, 0x8A: OpI64Rotr,

	0xA7: OpI32WrapI64,
	0xAC: OpI64ExtendI32S, 0xAD: OpI64ExtendI32U,
	0xC0: OpI32Extend8S, 0xC1: OpI32Extend16S,
	0xC2: OpI64Extend8S, 0xC3: OpI64Extend16S, 0xC4: OpI64Extend32S,
}

var floatOpcodeNames = map[byte]string{
	0x5B: "f32.eq", 0x5C: "f32.ne", 0x5D: "f32.lt", 0x5E: "f32.gt", 0x5F: "f32.le", 0x60: "f32.ge",
	0x61: "f64.eq", 0x62: "f64.ne", 0x63: "f64.lt", 0x64: "f64.gt", 0x65: "f64.le", 0x66: "f64.ge",
	0x8B: "f32.abs", 0x8C: "f32.neg", 0x8D: "f32.ceil", 0x8E: "f32.floor", 0x8F: "f32.trunc",
	0x90: "f32.nearest", 0x91: "f32.sqrt", 0x92: "f32.add", 0x93: "f32.sub", 0x94: "f32.mul",
	0x95: "f32.div", 0x96: "f32.min", 0x97: "f32.max", 0x98: "f32.copysign",
	0x99: "f64.abs", 0x9A: "f64.neg", 0x9B: "f64.ceil", 0x9C: "f64.floor", 0x9D: "f64.trunc",
	0x9E: "f64.nearest", 0x9F: "f64.sqrt", 0xA0: "f64.add", 0xA1: "f64.sub", 0xA2: "f64.mul",
	0xA3: "f64.div", 0xA4: "f64.min", 0xA5: "f64.max", 0xA6: "f64.copysign",
	0xA8: "i32.trunc_f32_s", 0xA9: "i32.trunc_f32_u", 0xAA: "i32.trunc_f64_s", 0xAB: "i32.trunc_f64_u",
	0xAE: "i64.trunc_f32_s", 0xAF: "i64.trunc_f32_u", 0xB0: "i64.trunc_f64_s", 0xB1: "i64.trunc_f64_u",
	0xB2: "f32.convert_i32_s", 0xB3: "f32.convert_i32_u", 0xB4: "f32.convert_i64_s", 0xB5: "f32.convert_i64_u",
	0xB6: "f32.demote_f64",
	0xB7: "f64.convert_i32_s", 0xB8: "f64.convert_i32_u", 0xB9: "f64.convert_i64_s", 0xBA: "f64.convert_i64_u",
	0xBB: "f64.promote_f32",
	0xBC: "i32.reinterpret_f32", 0xBD: "i64.reinterpret_f64",
	0xBE: "f32.reinterpret_i32", 0xBF: "f64.reinterpret_i64",
}
