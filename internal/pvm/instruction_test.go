package pvm

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, i Instruction) {
	t.Helper()
	encoded := i.Encode()
	if len(encoded) != i.EncodedLen() {
		t.Fatalf("EncodedLen() = %d, Encode() produced %d bytes", i.EncodedLen(), len(encoded))
	}
	decoded, n := Decode(encoded)
	if n != len(encoded) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(encoded))
	}
	if !reflect.DeepEqual(decoded, i) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, i)
	}
}

func TestRoundTripNoOperand(t *testing.T) {
	roundTrip(t, Instruction{Op: OpTrap})
	roundTrip(t, Instruction{Op: OpFallthrough})
}

func TestRoundTripImmediateOnly(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 127, -128, 16384, -16384, 1 << 40, -(1 << 40)} {
		roundTrip(t, Instruction{Op: OpJump, Imm: v})
	}
}

func TestRoundTripTwoRegisters(t *testing.T) {
	for r1 := uint8(0); r1 <= 12; r1++ {
		for r2 := uint8(0); r2 <= 12; r2++ {
			roundTrip(t, Instruction{Op: OpAdd64, Reg1: r1, Reg2: r2})
		}
	}
}

func TestRoundTripRegPlusImm(t *testing.T) {
	roundTrip(t, Instruction{Op: OpLoadImm, Reg1: 7, Imm: 42})
	roundTrip(t, Instruction{Op: OpLoadImm64, Reg1: 3, Imm: -123456789})
	roundTrip(t, Instruction{Op: OpBranchEqImm, Reg1: 9, Imm: -200})
}

func TestUnknownOpcodeRoundTrips(t *testing.T) {
	raw := []byte{0xAB, 0x12, 0x02, 0x34, 0x56}
	decoded, n := Decode(raw)
	if n != len(raw) {
		t.Fatalf("consumed %d, want %d", n, len(raw))
	}
	if decoded.Op != OpUnknown {
		t.Fatalf("expected OpUnknown, got %v", decoded.Op)
	}
	if !bytes.Equal(decoded.Encode(), raw) {
		t.Fatalf("unknown instruction did not re-encode byte-for-byte")
	}
}

func TestTerminatingSet(t *testing.T) {
	for op, want := range map[Opcode]bool{
		OpTrap:        true,
		OpFallthrough: true,
		OpJump:        true,
		OpJumpInd:     true,
		OpAdd64:       false,
		OpEcalli:      false,
		OpBranchEq:    false,
	} {
		if got := op.IsTerminating(); got != want {
			t.Fatalf("%v.IsTerminating() = %v, want %v", op, got, want)
		}
	}
}
