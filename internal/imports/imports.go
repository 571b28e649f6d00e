// Package imports resolves WASM import entries to the action the lowering
// engine takes at each call site: trap, no-op, a host call number, or a
// direct PVM-side pointer.
package imports

import "fmt"

// ActionKind distinguishes the four ways an import can resolve.
type ActionKind int

const (
	// ActionTrap lowers every call to the import as an unconditional Trap.
	ActionTrap ActionKind = iota
	// ActionNop drops the call entirely; if the import has a result, a
	// dummy zero value is pushed in its place to keep the operand stack
	// balanced.
	ActionNop
	// ActionHostCall lowers the call to Ecalli with the given host call
	// number.
	ActionHostCall
	// ActionPvmPtr resolves the import to the fixed PVM address PvmAddr.
	// The call's arguments are popped and discarded, and PvmAddr is pushed
	// as the result; no call or jump is emitted, and the address does not
	// depend on any argument.
	ActionPvmPtr
)

// Action is the resolved behavior for one import.
type Action struct {
	Kind        ActionKind
	HostCallNum uint32 // valid when Kind == ActionHostCall
	PvmAddr     int32  // valid when Kind == ActionPvmPtr
}

var (
	trapAction = Action{Kind: ActionTrap}
	nopAction  = Action{Kind: ActionNop}
)

// knownIntrinsics never require an entry in the caller-supplied map: they
// are part of the PVM calling convention itself, not a host capability the
// embedder opts into.
var knownIntrinsics = map[string]Action{
	"host_call": nopAction,
	"pvm_ptr":   nopAction,
}

// Resolver maps (module, name) import pairs to an Action. A nil or
// zero-value Resolver still resolves "abort" to ActionTrap by default,
// matching the compiler's behavior with no import map supplied at all.
type Resolver struct {
	byName map[string]Action
}

// NewResolver builds a Resolver from a name -> Action map, as supplied via
// compiler options. The map is keyed by import field name only: WASM
// modules overwhelmingly use a single "env" pseudo-module, and requiring
// callers to key by (module, name) pairs for every host surface buys
// nothing in practice.
func NewResolver(byName map[string]Action) *Resolver {
	return &Resolver{byName: byName}
}

// Resolve looks up the action for one import. moduleName is accepted for
// symmetry with the WASM import syntax but is not part of the lookup key.
func (r *Resolver) Resolve(moduleName, name string) (Action, error) {
	if act, ok := knownIntrinsics[name]; ok {
		return act, nil
	}
	if r != nil {
		if act, ok := r.byName[name]; ok {
			return act, nil
		}
	}
	if name == "abort" {
		return trapAction, nil
	}
	return Action{}, fmt.Errorf("unresolved import: %s", name)
}
