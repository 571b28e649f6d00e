package stackbackend

import "testing"

func TestPushPop(t *testing.T) {
	s := NewStackMachine()
	if s.Depth() != 0 {
		t.Fatalf("expected depth 0")
	}
	r1 := s.Push()
	if r1 != 2 || s.Depth() != 1 {
		t.Fatalf("got reg %d depth %d", r1, s.Depth())
	}
	r2 := s.Push()
	if r2 != 3 || s.Depth() != 2 {
		t.Fatalf("got reg %d depth %d", r2, s.Depth())
	}
	popped := s.Pop()
	if popped != 3 || s.Depth() != 1 {
		t.Fatalf("got reg %d depth %d", popped, s.Depth())
	}
}

func TestPeek(t *testing.T) {
	s := NewStackMachine()
	s.Push()
	s.Push()
	s.Push()
	if s.Peek(0) != 4 || s.Peek(1) != 3 || s.Peek(2) != 2 {
		t.Fatalf("unexpected peek values")
	}
}

func TestSpillDepth(t *testing.T) {
	s := NewStackMachine()
	for i := 0; i < 5; i++ {
		reg := s.Push()
		if reg != uint8(2+i) {
			t.Fatalf("expected reg %d, got %d", 2+i, reg)
		}
	}
	if s.Depth() != 5 {
		t.Fatalf("expected depth 5")
	}
	reg := s.Push()
	if reg != spillTempReg {
		t.Fatalf("expected spill temp register, got %d", reg)
	}
	popped := s.Pop()
	if popped != spillTempReg {
		t.Fatalf("expected spill temp register on pop, got %d", popped)
	}
}

func TestNeedsSpill(t *testing.T) {
	if NeedsSpill(0) || NeedsSpill(4) {
		t.Fatalf("depths below 5 should not need spill")
	}
	if !NeedsSpill(5) || !NeedsSpill(10) {
		t.Fatalf("depths at or above 5 should need spill")
	}
}
