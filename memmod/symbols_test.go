package memmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolTable(t *testing.T) {
	table := NewSymbolTable("elf", []Symbol{
		{Name: "__ZN15AmdAtomFwServices11getFamilyIdEv", Offset: 0x40},
		{Name: "_TestVRAM", Offset: 0x80},
		{Name: "", Offset: 0x100},
		{Name: "_TestVRAM", Offset: 0x200},
	})
	require.Equal(t, 2, table.Len())
	assert.Equal(t, "elf", table.Format())
	assert.Equal(t, []string{"_TestVRAM", "__ZN15AmdAtomFwServices11getFamilyIdEv"}, table.Names())

	off, ok := table.Offset("_TestVRAM")
	require.True(t, ok)
	assert.Equal(t, uint64(0x80), off)

	src := table.Bind(0x10000)
	addr, err := src.Lookup("__ZN15AmdAtomFwServices11getFamilyIdEv")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10040), addr)

	// no demangling or prefix folding
	_, err = src.Lookup("TestVRAM")
	require.ErrorIs(t, err, ErrNoSymbol)
	_, err = src.Lookup("AmdAtomFwServices::getFamilyId()")
	require.ErrorIs(t, err, ErrNoSymbol)

	addr, err = src.LookupOrdinal(1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10080), addr)
	_, err = src.LookupOrdinal(2)
	require.ErrorIs(t, err, ErrNoSymbol)
}

func TestSymbolMap(t *testing.T) {
	m := SymbolMap{"_start": 0x1000, "_zero": 0}
	addr, err := m.Lookup("_start")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), addr)

	_, err = m.Lookup("_zero")
	require.ErrorIs(t, err, ErrNoSymbol)
	_, err = m.LookupOrdinal(0)
	require.ErrorIs(t, err, ErrNoSymbol)
}

func TestMapImageRejectsUnknownFormats(t *testing.T) {
	_, err := MapImage(nil, 0x10000, ArchUnknown)
	require.Error(t, err)
	_, err = MapImage([]byte("MZ\x90\x00"), 0x10000, ArchUnknown)
	require.Error(t, err)
	_, err = MapImage([]byte("\x7fELF garbage"), 0x10000, ArchUnknown)
	require.Error(t, err)
}
