package peephole

import (
	"testing"

	"github.com/xyproto/wasmpvm/internal/pvm"
)

func TestCollapseConsecutiveFallthroughs(t *testing.T) {
	u := &Unit{Instructions: []pvm.Instruction{
		{Op: pvm.OpFallthrough},
		{Op: pvm.OpFallthrough},
		{Op: pvm.OpFallthrough},
		{Op: pvm.OpLoadImm, Reg1: 0, Imm: 42},
	}}
	Optimize(u)

	if len(u.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(u.Instructions))
	}
	if u.Instructions[0].Op != pvm.OpFallthrough {
		t.Fatalf("expected remaining fallthrough first")
	}
	if u.Instructions[1].Op != pvm.OpLoadImm || u.Instructions[1].Imm != 42 {
		t.Fatalf("expected load_imm 42 second, got %+v", u.Instructions[1])
	}
}

func TestRemoveFallthroughBeforeJump(t *testing.T) {
	u := &Unit{
		Instructions: []pvm.Instruction{
			{Op: pvm.OpLoadImm, Reg1: 0, Imm: 1},
			{Op: pvm.OpFallthrough},
			{Op: pvm.OpJump, Imm: 0},
		},
		Fixups: []Fixup{{InstrIdx: 2, Target: 0}},
		Labels: []int{0},
	}
	Optimize(u)

	if len(u.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(u.Instructions))
	}
	if u.Instructions[0].Op != pvm.OpLoadImm {
		t.Fatalf("expected load_imm first")
	}
	if u.Instructions[1].Op != pvm.OpJump {
		t.Fatalf("expected jump second")
	}
	if u.Fixups[0].InstrIdx != 1 {
		t.Fatalf("expected fixup remapped to index 1, got %d", u.Fixups[0].InstrIdx)
	}
}

func TestRemoveFallthroughBeforeTrap(t *testing.T) {
	u := &Unit{Instructions: []pvm.Instruction{
		{Op: pvm.OpFallthrough},
		{Op: pvm.OpTrap},
	}}
	Optimize(u)

	if len(u.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(u.Instructions))
	}
	if u.Instructions[0].Op != pvm.OpTrap {
		t.Fatalf("expected trap to remain")
	}
}

func TestRemapsCallFixups(t *testing.T) {
	u := &Unit{
		Instructions: []pvm.Instruction{
			{Op: pvm.OpFallthrough},
			{Op: pvm.OpFallthrough},
			{Op: pvm.OpLoadImm, Reg1: 0, Imm: 0}, // return_addr_instr
			{Op: pvm.OpJump, Imm: 0},              // jump_instr
		},
		CallFixups: []CallFixup{{ReturnAddrInstr: 2, JumpInstr: 3, TargetFunc: 0}},
	}
	Optimize(u)

	if len(u.Instructions) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(u.Instructions))
	}
	if u.CallFixups[0].ReturnAddrInstr != 1 {
		t.Fatalf("expected return addr remapped to 1, got %d", u.CallFixups[0].ReturnAddrInstr)
	}
	if u.CallFixups[0].JumpInstr != 2 {
		t.Fatalf("expected jump remapped to 2, got %d", u.CallFixups[0].JumpInstr)
	}
}

func TestNoOpWhenNothingToOptimize(t *testing.T) {
	u := &Unit{Instructions: []pvm.Instruction{
		{Op: pvm.OpLoadImm, Reg1: 0, Imm: 1},
		{Op: pvm.OpLoadImm, Reg1: 1, Imm: 2},
		{Op: pvm.OpAdd64, Reg1: 0, Reg2: 1},
	}}
	Optimize(u)

	if len(u.Instructions) != 3 {
		t.Fatalf("expected no instructions removed, got %d", len(u.Instructions))
	}
}

func TestResolveLabelsSetsImmediate(t *testing.T) {
	u := NewUnit()
	l := u.NewLabel()
	fixupIdx := u.Emit(pvm.Instruction{Op: pvm.OpJump})
	u.AddFixup(fixupIdx, l)
	u.Emit(pvm.Instruction{Op: pvm.OpLoadImm, Reg1: 0, Imm: 7})
	u.PlaceLabel(l)
	u.Emit(pvm.Instruction{Op: pvm.OpTrap})

	offsets := ByteOffsets(u.Instructions)
	want := int64(u.Labels[l] - offsets[fixupIdx])

	if err := ResolveLabels(u); err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if u.Instructions[fixupIdx].Imm != want {
		t.Fatalf("jump immediate not resolved: got %d want %d", u.Instructions[fixupIdx].Imm, want)
	}
}

func TestResolveLabelsErrorsOnUnplacedLabel(t *testing.T) {
	u := NewUnit()
	l := u.NewLabel()
	idx := u.Emit(pvm.Instruction{Op: pvm.OpJump})
	u.AddFixup(idx, l)

	if err := ResolveLabels(u); err == nil {
		t.Fatalf("expected error for unplaced label")
	}
}
