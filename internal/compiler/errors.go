package compiler

import "fmt"

// Kind identifies which stage of compilation an Error came from.
type Kind int

const (
	KindWasmParse Kind = iota
	KindUnsupported
	KindFloatNotSupported
	KindNoExportedFunction
	KindFunctionNotFound
	KindUnresolvedImport
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindWasmParse:
		return "wasm_parse"
	case KindUnsupported:
		return "unsupported"
	case KindFloatNotSupported:
		return "float_not_supported"
	case KindNoExportedFunction:
		return "no_exported_function"
	case KindFunctionNotFound:
		return "function_not_found"
	case KindUnresolvedImport:
		return "unresolved_import"
	default:
		return "internal"
	}
}

// Error wraps a compilation failure with the stage it came from, so callers
// (and the CLI) can report something more actionable than a bare message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
