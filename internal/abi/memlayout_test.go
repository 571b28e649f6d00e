package abi

import "testing"

func TestWasmMemoryBaseZeroFuncs(t *testing.T) {
	if got := ComputeWasmMemoryBase(0); got != 0x50000 {
		t.Fatalf("got %#x, want 0x50000", got)
	}
}

func TestWasmMemoryBaseOneFunc(t *testing.T) {
	if got := ComputeWasmMemoryBase(1); got != 0x50000 {
		t.Fatalf("got %#x, want 0x50000", got)
	}
}

func TestWasmMemoryBaseManyFuncs(t *testing.T) {
	// 200 funcs: 0x40000 + 200*512 = 0x59000, aligned up to 0x60000.
	if got := ComputeWasmMemoryBase(200); got != 0x60000 {
		t.Fatalf("got %#x, want 0x60000", got)
	}
}

func TestStackLimitZero(t *testing.T) {
	if got := StackLimit(0); got != StackSegmentEnd {
		t.Fatalf("got %#x, want %#x", got, StackSegmentEnd)
	}
}

func TestStackLimitDefault(t *testing.T) {
	limit := StackLimit(DefaultStackSize)
	want := int32(uint32(StackSegmentEnd) - DefaultStackSize)
	if limit != want {
		t.Fatalf("got %#x, want %#x", limit, want)
	}
	if uint32(limit) >= uint32(StackSegmentEnd) {
		t.Fatalf("limit must be below stack segment end")
	}
}

func TestMemorySizeGlobalOffsetZero(t *testing.T) {
	if got := MemorySizeGlobalOffset(0); got != GlobalMemoryBase {
		t.Fatalf("got %#x, want %#x", got, GlobalMemoryBase)
	}
}

func TestMemorySizeGlobalOffsetFive(t *testing.T) {
	if got := MemorySizeGlobalOffset(5); got != GlobalMemoryBase+20 {
		t.Fatalf("got %#x, want %#x", got, GlobalMemoryBase+20)
	}
}

func TestSpilledLocalAddrFunc0Local0(t *testing.T) {
	if got := SpilledLocalAddr(0, 0); got != SpilledLocalsBase {
		t.Fatalf("got %#x, want %#x", got, SpilledLocalsBase)
	}
}

func TestSpilledLocalAddrFunc1Local8(t *testing.T) {
	want := SpilledLocalsBase + SpilledLocalsPerFunc + 8
	if got := SpilledLocalAddr(1, 8); got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestGlobalAddr(t *testing.T) {
	if got := GlobalAddr(0); got != GlobalMemoryBase {
		t.Fatalf("got %#x, want %#x", got, GlobalMemoryBase)
	}
	if got := GlobalAddr(3); got != GlobalMemoryBase+12 {
		t.Fatalf("got %#x, want %#x", got, GlobalMemoryBase+12)
	}
}

func TestNonOverlapInvariant(t *testing.T) {
	for _, n := range []int{0, 1, 10, 100, 200} {
		wasmBase := ComputeWasmMemoryBase(n)
		if GlobalAddr(0) >= SpilledLocalsBase {
			t.Fatalf("globals must be below spilled locals")
		}
		if SpilledLocalsBase >= wasmBase {
			t.Fatalf("spilled locals must be below wasm memory base for %d funcs", n)
		}
	}
}
