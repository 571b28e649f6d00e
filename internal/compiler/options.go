package compiler

import (
	"go.uber.org/zap"

	"github.com/xyproto/wasmpvm/internal/abi"
	"github.com/xyproto/wasmpvm/internal/imports"
	"github.com/xyproto/wasmpvm/internal/spi"
	"github.com/xyproto/wasmpvm/internal/stackbackend"
)

// Options configures one Compile call. The zero value compiles with bare
// entry semantics (EntryBareValue), no host imports beyond the built-in
// intrinsics and "abort", and the SPI defaults for stack/heap size.
type Options struct {
	Logger *zap.Logger

	// EntryConvention selects how the program's result is surfaced to the
	// host before halting. See stackbackend.EntryConvention.
	EntryConvention stackbackend.EntryConvention
	GlobalsPtrIdx   uint32
	GlobalsLenIdx   uint32

	// Imports maps an import's field name to the action the compiler takes
	// at each call site. See imports.Resolver.
	Imports map[string]imports.Action

	StackSize uint32
	HeapPages uint16
}

func (o Options) stackSize() uint32 {
	if o.StackSize == 0 {
		return abi.DefaultStackSize
	}
	return o.StackSize
}

func (o Options) heapPages() uint16 {
	if o.HeapPages == 0 {
		return spi.DefaultHeapPages
	}
	return o.HeapPages
}
