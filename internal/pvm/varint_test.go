package pvm

import (
	"bytes"
	"testing"
)

func TestEncodeVarU32(t *testing.T) {
	cases := []struct {
		in   uint32
		want []byte
	}{
		{0, []byte{0}},
		{1, []byte{1}},
		{127, []byte{127}},
		{128, []byte{0x80, 0x80}},
		{145, []byte{0x80, 0x91}},
		{300, []byte{0x81, 0x2c}},
		{16383, []byte{0xbf, 0xff}},
		{16384, []byte{0xc0, 0x00, 0x40}},
	}
	for _, c := range cases {
		got := EncodeVarU32(c.in)
		if !bytes.Equal(got, c.want) {
			t.Errorf("EncodeVarU32(%d) = %x, want %x", c.in, got, c.want)
		}
	}
}

func TestEncodeVarU32Monotone(t *testing.T) {
	lenAt := func(v uint32) int { return len(EncodeVarU32(v)) }
	if lenAt(0) != 1 || lenAt(1) != 1 || lenAt(127) != 1 {
		t.Fatalf("0..127 must be 1 byte")
	}
	if lenAt(128) != 2 || lenAt(16383) != 2 {
		t.Fatalf("128..16383 must be 2 bytes")
	}
	if lenAt(16384) < 3 {
		t.Fatalf("16384 must be at least 3 bytes")
	}
	if lenAt(0xFFFFFFFF) == 0 {
		t.Fatalf("max u32 must encode")
	}
}

func TestPackMask(t *testing.T) {
	got := packMask([]bool{true, false, false})
	want := []byte{0b0000_0001}
	if !bytes.Equal(got, want) {
		t.Errorf("packMask = %b, want %b", got, want)
	}

	got = packMask([]bool{true, false, false, false, false, false, false, false, true})
	want = []byte{0b0000_0001, 0b0000_0001}
	if !bytes.Equal(got, want) {
		t.Errorf("packMask = %b, want %b", got, want)
	}
}
