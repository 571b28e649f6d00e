package imports

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveFromMap(t *testing.T) {
	r := NewResolver(map[string]Action{
		"abort": {Kind: ActionTrap},
	})
	act, err := r.Resolve("env", "abort")
	require.NoError(t, err)
	require.Equal(t, ActionTrap, act.Kind)
}

func TestResolveNopFromMap(t *testing.T) {
	r := NewResolver(map[string]Action{
		"console.log": {Kind: ActionNop},
	})
	act, err := r.Resolve("env", "console.log")
	require.NoError(t, err)
	require.Equal(t, ActionNop, act.Kind)
}

func TestUnresolvedImportFails(t *testing.T) {
	r := NewResolver(map[string]Action{
		"abort": {Kind: ActionTrap},
	})
	_, err := r.Resolve("env", "console.log")
	require.Error(t, err)
	require.Contains(t, err.Error(), "console.log")
}

func TestKnownIntrinsicsNeverRequireMapEntry(t *testing.T) {
	r := NewResolver(map[string]Action{"abort": {Kind: ActionTrap}})
	_, err := r.Resolve("env", "host_call")
	require.NoError(t, err)
	_, err = r.Resolve("env", "pvm_ptr")
	require.NoError(t, err)
}

func TestAbortResolvesByDefaultWithNilResolver(t *testing.T) {
	var r *Resolver
	act, err := r.Resolve("env", "abort")
	require.NoError(t, err)
	require.Equal(t, ActionTrap, act.Kind)
}

func TestUnknownImportFailsWithoutMap(t *testing.T) {
	var r *Resolver
	_, err := r.Resolve("env", "console.log")
	require.Error(t, err)
	require.Contains(t, err.Error(), "console.log")
}
