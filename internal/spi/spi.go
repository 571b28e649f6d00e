// Package spi packages compiled code and data into the Standard Program
// Image: the on-disk container PVM loads. Packaging is pure given
// (code, ro-data, rw-data, heap pages, stack size) — it performs no
// compilation of its own.
package spi

import "github.com/xyproto/wasmpvm/internal/pvm"

// DefaultHeapPages matches the historical SPI default of 16 pages.
const DefaultHeapPages = 16

// Program is a fully packaged SPI image, ready to Encode.
type Program struct {
	roData     []byte
	rwData     []byte
	heapPages  uint16
	stackSize  uint32
	code       *pvm.ProgramBlob
}

// New creates a Program with the default heap/stack size and empty data
// segments; use the With* methods to fill them in.
func New(code *pvm.ProgramBlob) *Program {
	return &Program{
		heapPages: DefaultHeapPages,
		stackSize: 64 * 1024,
		code:      code,
	}
}

// WithStackSize sets the stack segment size in bytes.
func (p *Program) WithStackSize(size uint32) *Program {
	p.stackSize = size
	return p
}

// WithHeapPages sets the number of heap pages (64 KiB each).
func (p *Program) WithHeapPages(pages uint16) *Program {
	p.heapPages = pages
	return p
}

// WithROData sets the read-only data segment contents.
func (p *Program) WithROData(data []byte) *Program {
	p.roData = data
	return p
}

// WithRWData sets the read-write data segment's initial contents.
func (p *Program) WithRWData(data []byte) *Program {
	p.rwData = data
	return p
}

// Code returns the packaged code blob.
func (p *Program) Code() *pvm.ProgramBlob { return p.code }

// ROData returns the read-only data segment.
func (p *Program) ROData() []byte { return p.roData }

// RWData returns the read-write data segment.
func (p *Program) RWData() []byte { return p.rwData }

// HeapPages returns the configured heap page count.
func (p *Program) HeapPages() uint16 { return p.heapPages }

// Encode serializes the full SPI image:
//
//	[u24 LE ro_len][u24 LE rw_len][u16 LE heap_pages][u24 LE stack_size]
//	[ro_data bytes][rw_data bytes]
//	[u32 LE code_blob_len][code_blob]
func (p *Program) Encode() []byte {
	codeBlob := p.code.Encode()

	out := make([]byte, 0, 11+len(p.roData)+len(p.rwData)+4+len(codeBlob))
	out = append(out, encodeU24(uint32(len(p.roData)))...)
	out = append(out, encodeU24(uint32(len(p.rwData)))...)
	out = append(out, byte(p.heapPages), byte(p.heapPages>>8))
	out = append(out, encodeU24(p.stackSize)...)
	out = append(out, p.roData...)
	out = append(out, p.rwData...)

	codeLen := uint32(len(codeBlob))
	out = append(out, byte(codeLen), byte(codeLen>>8), byte(codeLen>>16), byte(codeLen>>24))
	out = append(out, codeBlob...)
	return out
}

func encodeU24(value uint32) []byte {
	return []byte{byte(value), byte(value >> 8), byte(value >> 16)}
}
