package spi

import (
	"bytes"
	"testing"

	"github.com/xyproto/wasmpvm/internal/pvm"
)

func TestEncodeMinimal(t *testing.T) {
	code := pvm.NewProgramBlob([]pvm.Instruction{{Op: pvm.OpTrap}})
	p := New(code)
	encoded := p.Encode()

	if !bytes.Equal(encoded[0:3], []byte{0, 0, 0}) {
		t.Fatalf("ro_len wrong: %x", encoded[0:3])
	}
	if !bytes.Equal(encoded[3:6], []byte{0, 0, 0}) {
		t.Fatalf("rw_len wrong: %x", encoded[3:6])
	}
	if !bytes.Equal(encoded[6:8], []byte{16, 0}) {
		t.Fatalf("heap_pages wrong: %x", encoded[6:8])
	}
	want := encodeU24(64 * 1024)
	if !bytes.Equal(encoded[8:11], want[:]) {
		t.Fatalf("stack_size wrong: %x", encoded[8:11])
	}
}

func TestEncodeWithData(t *testing.T) {
	code := pvm.NewProgramBlob([]pvm.Instruction{{Op: pvm.OpTrap}})
	ro := []byte{0xAA, 0xBB, 0xCC}
	rw := []byte{0x11, 0x22}
	p := New(code).WithROData(ro).WithRWData(rw)
	encoded := p.Encode()

	if !bytes.Equal(encoded[11:14], ro) {
		t.Fatalf("ro data section wrong: %x", encoded[11:14])
	}
	if !bytes.Equal(encoded[14:16], rw) {
		t.Fatalf("rw data section wrong: %x", encoded[14:16])
	}
}

func TestBuilderMethods(t *testing.T) {
	code := pvm.NewProgramBlob([]pvm.Instruction{{Op: pvm.OpTrap}})
	p := New(code).WithHeapPages(42).WithStackSize(128 * 1024)
	encoded := p.Encode()

	if encoded[6] != 42 || encoded[7] != 0 {
		t.Fatalf("heap_pages wrong: %v %v", encoded[6], encoded[7])
	}
	want := encodeU24(128 * 1024)
	if !bytes.Equal(encoded[8:11], want[:]) {
		t.Fatalf("stack_size wrong: %x", encoded[8:11])
	}
}

func TestEncodeU24(t *testing.T) {
	if got := encodeU24(0); !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Fatalf("got %v", got)
	}
	if got := encodeU24(0xFFFFFF); !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("got %v", got)
	}
	if got := encodeU24(0x010203); !bytes.Equal(got, []byte{0x03, 0x02, 0x01}) {
		t.Fatalf("got %v", got)
	}
}
