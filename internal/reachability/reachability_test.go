package reachability

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xyproto/wasmpvm/internal/wasmmodule"
)

// wasmBuilder assembles minimal binary WASM modules for these tests without
// pulling in a WAT parser; each test only needs a handful of call edges and
// an optional start section or element table.
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

// buildCallGraph builds a module with `numFuncs` functions, all of
// signature ()->(i32), where bodies[i] is the raw operator bytecode
// (without the trailing end byte) for function i. mainIdx names which
// function index is exported as "main". If startIdx >= 0, a start section
// names that function. If tableTargets is non-nil, an active element
// segment at offset 0 populates a table of that length.
func buildCallGraph(t *testing.T, numFuncs int, bodies map[int][]byte, mainIdx int, startIdx int, tableTargets []uint32) *wasmmodule.Module {
	t.Helper()
	w := newWasmBuilder()

	// type section: one shared signature, func()->(i32)
	typeBody := []byte{0x01, 0x60, 0x00, 0x01, 0x7F}
	w.section(1, typeBody)

	// function section
	funcBody := []byte{byte(numFuncs)}
	for i := 0; i < numFuncs; i++ {
		funcBody = append(funcBody, 0x00)
	}
	w.section(3, funcBody)

	if len(tableTargets) > 0 {
		tableBody := []byte{0x01, 0x70, 0x00, byte(len(tableTargets))}
		w.section(4, tableBody)
	}

	exportBody := append([]byte{0x01, 0x04}, []byte("main")...)
	exportBody = append(exportBody, 0x00, byte(mainIdx))
	w.section(7, exportBody)

	if startIdx >= 0 {
		w.section(8, []byte{byte(startIdx)})
	}

	if len(tableTargets) > 0 {
		elemBody := []byte{0x01, 0x00, 0x41, 0x00, 0x0B, byte(len(tableTargets))}
		for _, target := range tableTargets {
			elemBody = append(elemBody, byte(target))
		}
		w.section(9, elemBody)
	}

	codeBody := []byte{byte(numFuncs)}
	for i := 0; i < numFuncs; i++ {
		body := append(append([]byte{}, bodies[i]...), 0x0B)
		entry := append([]byte{0x00}, body...) // 0 local-decl groups
		codeBody = append(codeBody, leb(uint32(len(entry)))...)
		codeBody = append(codeBody, entry...)
	}
	w.section(10, codeBody)

	m, err := wasmmodule.Parse(w.bytes)
	require.NoError(t, err)
	return m
}

func call(funcIdx byte) []byte   { return []byte{0x10, funcIdx} }
func constI32(v byte) []byte     { return []byte{0x41, v} }

func TestSingleMainFunction(t *testing.T) {
	m := buildCallGraph(t, 1, map[int][]byte{0: constI32(42)}, 0, -1, nil)
	entries, ok := ResolveEntries(m)
	require.True(t, ok)
	reachable, err := Reachable(m, entries, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, reachable, 1)
	require.True(t, reachable[0])
}

func TestDeadFunctionNotReachable(t *testing.T) {
	m := buildCallGraph(t, 2, map[int][]byte{
		0: constI32(42),
		1: constI32(99),
	}, 0, -1, nil)
	entries, ok := ResolveEntries(m)
	require.True(t, ok)
	reachable, err := Reachable(m, entries, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, reachable, 1)
	require.True(t, reachable[0])
	require.False(t, reachable[1])
}

func TestDirectCallChain(t *testing.T) {
	// main -> f1 -> f2; f3 dead
	m := buildCallGraph(t, 4, map[int][]byte{
		0: call(1),
		1: call(2),
		2: constI32(1),
		3: constI32(2),
	}, 0, -1, nil)
	entries, ok := ResolveEntries(m)
	require.True(t, ok)
	reachable, err := Reachable(m, entries, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, reachable, 3)
	require.True(t, reachable[0])
	require.True(t, reachable[1])
	require.True(t, reachable[2])
	require.False(t, reachable[3])
}

func TestMutualRecursion(t *testing.T) {
	m := buildCallGraph(t, 4, map[int][]byte{
		0: call(1),
		1: call(2),
		2: call(1),
		3: constI32(0),
	}, 0, -1, nil)
	entries, ok := ResolveEntries(m)
	require.True(t, ok)
	reachable, err := Reachable(m, entries, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, reachable, 3)
	require.True(t, reachable[0])
	require.True(t, reachable[1])
	require.True(t, reachable[2])
	require.False(t, reachable[3])
}

func TestTableKeepsFunctionsAlive(t *testing.T) {
	m := buildCallGraph(t, 3, map[int][]byte{
		0: constI32(42),
		1: constI32(1),
		2: constI32(2),
	}, 0, -1, []uint32{0, 1})
	entries, ok := ResolveEntries(m)
	require.True(t, ok)
	reachable, err := Reachable(m, entries, zap.NewNop())
	require.NoError(t, err)
	require.True(t, reachable[0])
	require.True(t, reachable[1])
	require.False(t, reachable[2])
}

func TestStartFunctionReachable(t *testing.T) {
	// start=0 calls helper(2); main=1 is separately exported; dead=3
	m := buildCallGraph(t, 4, map[int][]byte{
		0: call(2),
		1: constI32(0),
		2: {},
		3: constI32(99),
	}, 1, 0, nil)
	entries, ok := ResolveEntries(m)
	require.True(t, ok)
	reachable, err := Reachable(m, entries, zap.NewNop())
	require.NoError(t, err)
	require.True(t, reachable[0]) // start
	require.True(t, reachable[1]) // main
	require.True(t, reachable[2]) // helper
	require.False(t, reachable[3])
}
