package resolve

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/kextpatch/memmod"
)

type countingSource struct {
	memmod.SymbolSource
	calls map[string]int
}

func (c *countingSource) Lookup(name string) (uintptr, error) {
	c.calls[name]++
	return c.SymbolSource.Lookup(name)
}

func TestResolveCachesHits(t *testing.T) {
	src := &countingSource{
		SymbolSource: memmod.SymbolMap{"__ZN15AmdAtomFwServices11getFamilyIdEv": 0x1040},
		calls:        map[string]int{},
	}
	r := New()
	require.NoError(t, r.Register(3, src))

	for i := 0; i < 3; i++ {
		addr, err := r.Resolve(3, "__ZN15AmdAtomFwServices11getFamilyIdEv")
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x1040), addr)
	}
	assert.Equal(t, 1, src.calls["__ZN15AmdAtomFwServices11getFamilyIdEv"])
}

func TestResolveExactNamesOnly(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(0, memmod.SymbolMap{"__ZN15AmdAtomFwServices11getFamilyIdEv": 0x1040}))

	for _, name := range []string{
		"_ZN15AmdAtomFwServices11getFamilyIdEv",
		"AmdAtomFwServices::getFamilyId()",
		"getFamilyId",
	} {
		_, err := r.Resolve(0, name)
		require.ErrorIs(t, err, ErrNotFound, name)

		var rerr *Error
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, name, rerr.Symbol)
		assert.Contains(t, err.Error(), name)
	}
}

func TestResolveUnknownImage(t *testing.T) {
	r := New()
	_, err := r.Resolve(7, "_TestVRAM")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, ErrUnknownImage)

	require.NoError(t, r.Register(7, memmod.SymbolMap{}))
	require.Error(t, r.Register(7, memmod.SymbolMap{}))
	require.Error(t, r.Register(8, nil))
}

func TestResolveOrdinal(t *testing.T) {
	table := memmod.NewSymbolTable("elf", []memmod.Symbol{
		{Name: "_a", Offset: 0x10},
		{Name: "_b", Offset: 0x20},
	})
	r := New()
	require.NoError(t, r.Register(1, table.Bind(0x4000)))

	addr, err := r.ResolveOrdinal(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x4020), addr)

	_, err = r.ResolveOrdinal(1, 5)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, memmod.ErrNoSymbol)
}
