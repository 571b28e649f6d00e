package wasmmodule

import (
	"encoding/binary"
	"fmt"
)

const (
	magic   = 0x6D736100 // "\0asm"
	version = 1

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionTable    = 4
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionStart    = 8
	sectionElement  = 9
	sectionCode     = 10
	sectionData     = 11
)

// Parse decodes a WASM binary module.
func Parse(b []byte) (*Module, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("truncated WASM header")
	}
	if got := binary.LittleEndian.Uint32(b[0:4]); got != magic {
		return nil, fmt.Errorf("bad WASM magic: %#x", got)
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != version {
		return nil, fmt.Errorf("unsupported WASM version: %d", got)
	}

	m := &Module{}
	var funcTypeIdxs []uint32 // TypeIdx per locally-defined function, in order

	pos := 8
	for pos < len(b) {
		id, p, err := readByte(b, pos)
		if err != nil {
			return nil, err
		}
		size, p, err := readU32(b, p)
		if err != nil {
			return nil, err
		}
		end := p + int(size)
		if end > len(b) {
			return nil, fmt.Errorf("section %d overruns module", id)
		}
		body := b[p:end]

		var perr error
		switch id {
		case sectionType:
			perr = parseTypeSection(body, m)
		case sectionImport:
			perr = parseImportSection(body, m)
		case sectionFunction:
			funcTypeIdxs, perr = parseFunctionSection(body)
		case sectionTable:
			perr = parseTableSection(body, m)
		case sectionMemory:
			perr = parseMemorySection(body, m)
		case sectionGlobal:
			perr = parseGlobalSection(body, m)
		case sectionExport:
			perr = parseExportSection(body, m)
		case sectionStart:
			perr = parseStartSection(body, m)
		case sectionElement:
			perr = parseElementSection(body, m)
		case sectionCode:
			perr = parseCodeSection(body, m, funcTypeIdxs)
		case sectionData:
			perr = parseDataSection(body, m)
		default:
			// custom or unrecognized section: skip.
		}
		if perr != nil {
			return nil, fmt.Errorf("section %d: %w", id, perr)
		}
		pos = end
	}

	return m, nil
}

func valType(b byte) ValType {
	switch b {
	case 0x7F:
		return ValI32
	case 0x7E:
		return ValI64
	case 0x70:
		return ValFuncRef
	case 0x6F:
		return ValExternRef
	default:
		return ValFloat
	}
}

func parseTypeSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		form, p, err := readByte(b, pos)
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("expected func type form 0x60, got %#x", form)
		}
		pos = p
		numParams, p, err := readU32(b, pos)
		if err != nil {
			return err
		}
		pos = p
		if _, p, err = readBytes(b, pos, int(numParams)); err != nil {
			return err
		} else {
			pos = p
		}
		numResults, p, err := readU32(b, pos)
		if err != nil {
			return err
		}
		pos = p
		if _, p, err = readBytes(b, pos, int(numResults)); err != nil {
			return err
		} else {
			pos = p
		}
		m.Types = append(m.Types, FuncType{ParamCount: int(numParams), ResultCount: int(numResults)})
	}
	return nil
}

func parseImportSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		modName, p, err := readName(b, pos)
		if err != nil {
			return err
		}
		pos = p
		fieldName, p, err := readName(b, pos)
		if err != nil {
			return err
		}
		pos = p
		kindByte, p, err := readByte(b, pos)
		if err != nil {
			return err
		}
		pos = p

		imp := Import{Module: modName, Name: fieldName}
		switch kindByte {
		case 0x00: // func
			typeIdx, p, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p
			imp.Kind = ImportFunc
			imp.TypeIdx = typeIdx
			m.Functions = append(m.Functions, Function{
				FuncIdx:  uint32(len(m.Functions)),
				TypeIdx:  typeIdx,
				Imported: true,
				Import:   imp,
			})
		case 0x01: // table
			imp.Kind = ImportTable
			if _, p, err = parseTableType(b, pos); err != nil {
				return err
			} else {
				pos = p
			}
		case 0x02: // memory
			imp.Kind = ImportMemory
			if _, p, err = parseLimits(b, pos); err != nil {
				return err
			} else {
				pos = p
			}
		case 0x03: // global
			imp.Kind = ImportGlobal
			if _, p, err := readByte(b, pos); err != nil {
				return err
			} else {
				pos = p
			}
			if _, p, err := readByte(b, pos); err != nil {
				return err
			} else {
				pos = p
			}
		default:
			return fmt.Errorf("unknown import kind %#x", kindByte)
		}
		_ = imp
	}
	return nil
}

func parseLimits(b []byte, pos int) (uint32, int, error) {
	flags, p, err := readByte(b, pos)
	if err != nil {
		return 0, pos, err
	}
	minV, p, err := readU32(b, p)
	if err != nil {
		return 0, pos, err
	}
	if flags&0x01 != 0 {
		_, p, err = readU32(b, p)
		if err != nil {
			return 0, pos, err
		}
	}
	return minV, p, nil
}

func parseTableType(b []byte, pos int) (int, int, error) {
	_, p, err := readByte(b, pos) // elem type (funcref/externref)
	if err != nil {
		return 0, pos, err
	}
	minV, p, err := parseLimits(b, p)
	if err != nil {
		return 0, pos, err
	}
	return int(minV), p, nil
}

func parseFunctionSection(b []byte) ([]uint32, error) {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		typeIdx, p, err := readU32(b, pos)
		if err != nil {
			return nil, err
		}
		pos = p
		out[i] = typeIdx
	}
	return out, nil
}

func parseTableSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		length, p, err := parseTableType(b, pos)
		if err != nil {
			return err
		}
		pos = p
		m.TableLength = length
	}
	return nil
}

func parseMemorySection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		minV, p, err := parseLimits(b, pos)
		if err != nil {
			return err
		}
		pos = p
		m.MemoryPages = minV
	}
	return nil
}

// constExpr evaluates a restricted constant expression: i32.const,
// i64.const, global.get (accepted, but evaluates to 0: the referenced
// global's value is not looked up), or ref.func/ref.null, terminated by
// end (0x0B).
func constExpr(b []byte, pos int) (i64 int64, funcRef int64, newPos int, err error) {
	funcRef = -1
	opcode, p, err := readByte(b, pos)
	if err != nil {
		return 0, -1, pos, err
	}
	switch opcode {
	case 0x41:
		v, p2, err := readI32(b, p)
		if err != nil {
			return 0, -1, pos, err
		}
		i64 = int64(v)
		p = p2
	case 0x42:
		v, p2, err := readI64(b, p)
		if err != nil {
			return 0, -1, pos, err
		}
		i64 = v
		p = p2
	case 0xD2: // ref.func
		idx, p2, err := readU32(b, p)
		if err != nil {
			return 0, -1, pos, err
		}
		funcRef = int64(idx)
		p = p2
	case 0xD0: // ref.null
		if _, p2, err := readByte(b, p); err != nil {
			return 0, -1, pos, err
		} else {
			p = p2
		}
	case 0x23: // global.get
		if _, p2, err := readU32(b, p); err != nil {
			return 0, -1, pos, err
		} else {
			p = p2
		}
	default:
		return 0, -1, pos, fmt.Errorf("unsupported constant expression opcode %#x", opcode)
	}
	end, p2, err := readByte(b, p)
	if err != nil {
		return 0, -1, pos, err
	}
	if end != 0x0B {
		return 0, -1, pos, fmt.Errorf("constant expression missing end byte")
	}
	return i64, funcRef, p2, nil
}

func parseGlobalSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		typByte, p, err := readByte(b, pos)
		if err != nil {
			return err
		}
		pos = p
		mutByte, p, err := readByte(b, pos)
		if err != nil {
			return err
		}
		pos = p
		i64, funcRef, p, err := constExpr(b, pos)
		if err != nil {
			return err
		}
		pos = p
		m.Globals = append(m.Globals, GlobalDef{
			Type:        valType(typByte),
			Mutable:     mutByte != 0,
			InitI64:     i64,
			InitFuncRef: funcRef,
		})
	}
	return nil
}

func parseExportSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, p, err := readName(b, pos)
		if err != nil {
			return err
		}
		pos = p
		kindByte, p, err := readByte(b, pos)
		if err != nil {
			return err
		}
		pos = p
		idx, p, err := readU32(b, pos)
		if err != nil {
			return err
		}
		pos = p

		var kind ImportKind
		switch kindByte {
		case 0x00:
			kind = ImportFunc
		case 0x01:
			kind = ImportTable
		case 0x02:
			kind = ImportMemory
		case 0x03:
			kind = ImportGlobal
		default:
			return fmt.Errorf("unknown export kind %#x", kindByte)
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseStartSection(b []byte, m *Module) error {
	idx, _, err := readU32(b, 0)
	if err != nil {
		return err
	}
	m.StartFuncIdx = &idx
	return nil
}

func parseElementSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, p, err := readU32(b, pos)
		if err != nil {
			return err
		}
		pos = p

		seg := ElementSegment{}
		switch flags {
		case 0: // active, table 0, expr offset, func indices
			off, _, p2, err := constExpr(b, pos)
			if err != nil {
				return err
			}
			pos = p2
			seg.TableIdx = 0
			seg.Offset = int32(off)
			n, p3, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p3
			for j := uint32(0); j < n; j++ {
				fi, p4, err := readU32(b, pos)
				if err != nil {
					return err
				}
				pos = p4
				seg.FuncIdxs = append(seg.FuncIdxs, fi)
			}
		case 2: // active, explicit table index
			tblIdx, p2, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p2
			off, _, p3, err := constExpr(b, pos)
			if err != nil {
				return err
			}
			pos = p3
			seg.TableIdx = tblIdx
			seg.Offset = int32(off)
			_, p4, err := readU32(b, pos) // elemkind
			if err != nil {
				return err
			}
			pos = p4
			n, p5, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p5
			for j := uint32(0); j < n; j++ {
				fi, p6, err := readU32(b, pos)
				if err != nil {
					return err
				}
				pos = p6
				seg.FuncIdxs = append(seg.FuncIdxs, fi)
			}
		default:
			return fmt.Errorf("unsupported element segment flags %d", flags)
		}
		m.Elements = append(m.Elements, seg)
	}
	return nil
}

func parseCodeSection(b []byte, m *Module, funcTypeIdxs []uint32) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	if int(count) != len(funcTypeIdxs) {
		return fmt.Errorf("code section has %d bodies, function section declared %d", count, len(funcTypeIdxs))
	}
	importedCount := len(m.Functions)
	for i := uint32(0); i < count; i++ {
		bodySize, p, err := readU32(b, pos)
		if err != nil {
			return err
		}
		bodyStart := p
		bodyEnd := bodyStart + int(bodySize)
		if bodyEnd > len(b) {
			return fmt.Errorf("function body %d overruns code section", i)
		}
		body := b[bodyStart:bodyEnd]

		locals, codeStart, err := parseLocals(body)
		if err != nil {
			return err
		}

		m.Functions = append(m.Functions, Function{
			FuncIdx: uint32(importedCount) + i,
			TypeIdx: funcTypeIdxs[i],
			Locals:  locals,
			Body:    body[codeStart:],
		})
		pos = bodyEnd
	}
	return nil
}

func parseLocals(body []byte) ([]ValType, int, error) {
	numGroups, pos, err := readU32(body, 0)
	if err != nil {
		return nil, 0, err
	}
	var locals []ValType
	for i := uint32(0); i < numGroups; i++ {
		n, p, err := readU32(body, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = p
		typByte, p, err := readByte(body, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = p
		vt := valType(typByte)
		for j := uint32(0); j < n; j++ {
			locals = append(locals, vt)
		}
	}
	return locals, pos, nil
}

func parseDataSection(b []byte, m *Module) error {
	count, pos, err := readU32(b, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, p, err := readU32(b, pos)
		if err != nil {
			return err
		}
		pos = p
		switch flags {
		case 0: // active, memory 0
			off, _, p2, err := constExpr(b, pos)
			if err != nil {
				return err
			}
			pos = p2
			n, p3, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p3
			bytes, p4, err := readBytes(b, pos, int(n))
			if err != nil {
				return err
			}
			pos = p4
			m.Data = append(m.Data, DataSegment{MemIdx: 0, Offset: int32(off), Bytes: append([]byte(nil), bytes...)})
		case 1: // passive
			n, p2, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p2
			if _, p3, err := readBytes(b, pos, int(n)); err != nil {
				return err
			} else {
				pos = p3
			}
		case 2: // active, explicit memory index
			memIdx, p2, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p2
			off, _, p3, err := constExpr(b, pos)
			if err != nil {
				return err
			}
			pos = p3
			n, p4, err := readU32(b, pos)
			if err != nil {
				return err
			}
			pos = p4
			bytes, p5, err := readBytes(b, pos, int(n))
			if err != nil {
				return err
			}
			pos = p5
			m.Data = append(m.Data, DataSegment{MemIdx: int(memIdx), Offset: int32(off), Bytes: append([]byte(nil), bytes...)})
		default:
			return fmt.Errorf("unsupported data segment flags %d", flags)
		}
	}
	return nil
}
