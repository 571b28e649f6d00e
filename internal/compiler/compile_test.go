package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// wasmBuilder assembles minimal binary WASM modules for these tests without
// pulling in a WAT parser.
type wasmBuilder struct {
	bytes []byte
}

func newWasmBuilder() *wasmBuilder {
	return &wasmBuilder{bytes: []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}}
}

func leb(v uint32) []byte {
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

func (w *wasmBuilder) section(id byte, body []byte) {
	w.bytes = append(w.bytes, id)
	w.bytes = append(w.bytes, leb(uint32(len(body)))...)
	w.bytes = append(w.bytes, body...)
}

// buildModule assembles a module with one shared ()->(i32) signature, the
// given function bodies (bytecode without the trailing end byte), one
// exported function, an optional call_indirect table, and one mutable i32
// global initialized to 0.
func buildModule(t *testing.T, bodies [][]byte, exportIdx int, tableTargets []uint32) []byte {
	t.Helper()
	w := newWasmBuilder()

	typeBody := []byte{0x01, 0x60, 0x00, 0x01, 0x7F}
	w.section(1, typeBody)

	funcBody := []byte{byte(len(bodies))}
	for range bodies {
		funcBody = append(funcBody, 0x00)
	}
	w.section(3, funcBody)

	if len(tableTargets) > 0 {
		w.section(4, []byte{0x01, 0x70, 0x00, byte(len(tableTargets))})
	}

	// one mutable i32 global, initial value 0
	w.section(6, []byte{0x01, 0x7F, 0x01, 0x41, 0x00, 0x0B})

	exportBody := append([]byte{0x01, 0x04}, []byte("main")...)
	exportBody = append(exportBody, 0x00, byte(exportIdx))
	w.section(7, exportBody)

	if len(tableTargets) > 0 {
		elemBody := []byte{0x01, 0x00, 0x41, 0x00, 0x0B, byte(len(tableTargets))}
		for _, target := range tableTargets {
			elemBody = append(elemBody, byte(target))
		}
		w.section(9, elemBody)
	}

	codeBody := []byte{byte(len(bodies))}
	for _, body := range bodies {
		entry := append(append([]byte{0x00}, body...), 0x0B)
		codeBody = append(codeBody, leb(uint32(len(entry)))...)
		codeBody = append(codeBody, entry...)
	}
	w.section(10, codeBody)

	return w.bytes
}

func constI32(v byte) []byte   { return []byte{0x41, v} }
func call(funcIdx byte) []byte { return []byte{0x10, funcIdx} }

func TestCompileSingleFunction(t *testing.T) {
	wasmBytes := buildModule(t, [][]byte{constI32(42)}, 0, nil)

	program, err := Compile(wasmBytes, Options{})
	require.NoError(t, err)
	require.NotNil(t, program)

	encoded := program.Encode()
	require.NotEmpty(t, encoded)
	// one global (4 bytes) + the compiler-managed memory-size global (4 bytes)
	require.Equal(t, 8, len(program.RWData()))
}

func TestCompileDropsUnreachableFunctions(t *testing.T) {
	wasmBytes := buildModule(t, [][]byte{
		constI32(1), // main
		constI32(2), // dead
	}, 0, nil)

	program, err := Compile(wasmBytes, Options{})
	require.NoError(t, err)
	require.NotNil(t, program)
}

func TestCompileCallIndirectTable(t *testing.T) {
	wasmBytes := buildModule(t, [][]byte{
		call(1),     // main: call_indirect would route through the table in a fuller test; direct call here
		constI32(7), // callee, kept alive by the table
	}, 0, []uint32{1})

	program, err := Compile(wasmBytes, Options{})
	require.NoError(t, err)
	require.NotNil(t, program)
	// table has 1 slot, 8 bytes per slot
	require.Equal(t, 8, len(program.ROData()))
}

func TestCompileNoEntryPoint(t *testing.T) {
	w := newWasmBuilder()
	w.section(1, []byte{0x01, 0x60, 0x00, 0x01, 0x7F})
	w.section(3, []byte{0x01, 0x00})
	w.section(10, []byte{0x01, byte(len([]byte{0x00, 0x41, 0x2A, 0x0B})), 0x00, 0x41, 0x2A, 0x0B})

	_, err := Compile(w.bytes, Options{})
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, KindNoExportedFunction, cerr.Kind)
}

func TestCompileUnresolvedImport(t *testing.T) {
	w := newWasmBuilder()
	w.section(1, []byte{0x01, 0x60, 0x00, 0x01, 0x7F})

	importName := "needs_host"
	importBody := append([]byte{0x01, 0x03}, []byte("env")...)
	importBody = append(importBody, byte(len(importName)))
	importBody = append(importBody, []byte(importName)...)
	importBody = append(importBody, 0x00, 0x00) // func import, type index 0
	w.section(2, importBody)

	w.section(3, []byte{0x01, 0x00}) // one local function, type index 0

	exportBody := append([]byte{0x01, 0x04}, []byte("main")...)
	exportBody = append(exportBody, 0x00, 0x01) // function index 1 (after the one import)
	w.section(7, exportBody)

	body := []byte{0x10, 0x00, 0x0B} // call import 0, end
	entry := append([]byte{0x00}, body...)
	codeBody := append([]byte{0x01}, leb(uint32(len(entry)))...)
	codeBody = append(codeBody, entry...)
	w.section(10, codeBody)

	_, err := Compile(w.bytes, Options{})
	require.Error(t, err)
}
