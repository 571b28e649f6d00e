package wasmmodule

import "testing"

// buildModule assembles a minimal binary WASM module by hand:
//
//	(module
//	  (type (func (param i32 i32) (result i32)))
//	  (func (export "add") (param i32 i32) (result i32)
//	    local.get 0
//	    local.get 1
//	    i32.add))
func buildModule(t *testing.T) []byte {
	t.Helper()
	var b []byte
	b = append(b, 0x00, 0x61, 0x73, 0x6D) // magic
	b = append(b, 0x01, 0x00, 0x00, 0x00) // version

	// type section: 1 type, func(i32,i32)->i32
	typeBody := []byte{0x01, 0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F}
	b = appendSection(b, 1, typeBody)

	// function section: 1 function, type 0
	funcBody := []byte{0x01, 0x00}
	b = appendSection(b, 3, funcBody)

	// export section: "add" -> func 0
	exportBody := []byte{0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00}
	b = appendSection(b, 7, exportBody)

	// code section: 1 body, no locals, local.get 0; local.get 1; i32.add; end
	fnCode := []byte{0x20, 0x00, 0x20, 0x01, 0x6A, 0x0B}
	codeBody := []byte{0x01, byte(len(fnCode) + 1), 0x00}
	codeBody = append(codeBody, fnCode...)
	b = appendSection(b, 10, codeBody)

	return b
}

func appendSection(b []byte, id byte, body []byte) []byte {
	b = append(b, id)
	b = append(b, EncodeTestVarU32(uint32(len(body)))...)
	return append(b, body...)
}

// EncodeTestVarU32 is a tiny local LEB128 encoder for building test
// fixtures; it does not need to handle the full pvm var_u32 carry scheme.
func EncodeTestVarU32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestParseMinimalModule(t *testing.T) {
	bin := buildModule(t)
	m, err := Parse(bin)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(m.Types) != 1 || m.Types[0].ParamCount != 2 || m.Types[0].ResultCount != 1 {
		t.Fatalf("unexpected types: %+v", m.Types)
	}
	if len(m.Functions) != 1 {
		t.Fatalf("expected 1 function, got %d", len(m.Functions))
	}
	fn := m.Functions[0]
	if fn.Imported {
		t.Fatalf("function should not be imported")
	}
	idx, ok := m.ExportedFuncIdx("add")
	if !ok || idx != 0 {
		t.Fatalf("expected add exported at 0, got %d %v", idx, ok)
	}

	r := NewOperatorReader(fn.Body)
	var ops []OpKind
	for !r.Eof() {
		op, err := r.Next()
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		ops = append(ops, op.Kind)
	}
	want := []OpKind{OpLocalGet, OpLocalGet, OpI32Add, OpEnd}
	if len(ops) != len(want) {
		t.Fatalf("got %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op %d: got %v, want %v", i, ops[i], want[i])
		}
	}
}

func TestParseImportAndGlobal(t *testing.T) {
	var b []byte
	b = append(b, 0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00)

	typeBody := []byte{0x01, 0x60, 0x00, 0x00} // func()->()
	b = appendSection(b, 1, typeBody)

	// import: env.abort, func type 0
	importBody := []byte{0x01,
		0x03, 'e', 'n', 'v',
		0x05, 'a', 'b', 'o', 'r', 't',
		0x00, 0x00,
	}
	b = appendSection(b, 2, importBody)

	// global section: one mutable i32 global initialized to 42
	globalBody := []byte{0x01, 0x7F, 0x01, 0x41, 42, 0x0B}
	b = appendSection(b, 6, globalBody)

	m, err := Parse(b)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(m.Functions) != 1 || !m.Functions[0].Imported {
		t.Fatalf("expected 1 imported function, got %+v", m.Functions)
	}
	if m.Functions[0].Import.Module != "env" || m.Functions[0].Import.Name != "abort" {
		t.Fatalf("unexpected import: %+v", m.Functions[0].Import)
	}
	if len(m.Globals) != 1 || m.Globals[0].InitI64 != 42 || !m.Globals[0].Mutable {
		t.Fatalf("unexpected globals: %+v", m.Globals)
	}
}

func TestReaderFloatAndUnsupported(t *testing.T) {
	// f32.const 0, then an 0xFC bulk-memory op we don't support (table.init=0x0C)
	body := []byte{0x43, 0x00, 0x00, 0x00, 0x00, 0xFC, 0x0C, 0x00, 0x00}
	r := NewOperatorReader(body)
	op, err := r.Next()
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if op.Kind != OpFloat {
		t.Fatalf("expected OpFloat, got %v", op.Kind)
	}
	op, err = r.Next()
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if op.Kind != OpUnsupported {
		t.Fatalf("expected OpUnsupported, got %v", op.Kind)
	}
}

func TestBadMagic(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}
