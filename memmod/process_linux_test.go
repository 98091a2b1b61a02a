//go:build linux && (amd64 || arm64)

package memmod

import (
	"os"
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestProcessGuardRoundTrip(t *testing.T) {
	proc := NewProcess()
	size := int(proc.PageSize()) * 2
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	base := uintptr(unsafe.Pointer(&mem[0]))

	before, err := proc.Protection(base)
	require.NoError(t, err)
	require.Equal(t, ProtRX, before)

	guard := NewGuard(proc)
	require.NoError(t, guard.Write(proc, base+proc.PageSize()-2, []byte{0xC3, 0xCC, 0x90, 0x90}))
	assert.Equal(t, []byte{0xC3, 0xCC, 0x90, 0x90}, mem[proc.PageSize()-2:proc.PageSize()+2])

	for _, page := range []uintptr{base, base + proc.PageSize()} {
		after, err := proc.Protection(page)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}
}

func TestProcessAlloc(t *testing.T) {
	proc := NewProcess()
	a, err := proc.Alloc(20)
	require.NoError(t, err)
	b, err := proc.Alloc(20)
	require.NoError(t, err)
	assert.Equal(t, a+32, b)

	prot, err := proc.Protection(a)
	require.NoError(t, err)
	assert.Equal(t, ProtRWX, prot)
	require.NoError(t, proc.Write(a, []byte{1, 2, 3}))
}

func TestProcessWriteReadOnlyPage(t *testing.T) {
	proc := NewProcess()
	size := int(proc.PageSize()) * 2
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	base := uintptr(unsafe.Pointer(&mem[0]))
	require.NoError(t, unix.Mprotect(mem[proc.PageSize():], unix.PROT_READ))

	// the range straddles a writable and a read-only page
	err = proc.Write(base+proc.PageSize()-1, []byte{1, 2})
	require.ErrorIs(t, err, ErrProtected)
	assert.Equal(t, []byte{0, 0}, mem[proc.PageSize()-1:proc.PageSize()+1])

	require.NoError(t, proc.Write(base, []byte{7}))
	assert.Equal(t, byte(7), mem[0])
}

// The test binary itself is an ELF image with a static symbol table; the
// file offset of a function must hold the same bytes as its live code.
func TestELFSymbolsMatchLiveCode(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile(exe)
	require.NoError(t, err)

	table, arch, err := ELFSymbols(data, FileLayout)
	require.NoError(t, err)
	require.Equal(t, HostArch(), arch)

	name := "github.com/sliverarmory/kextpatch/memmod.JumpStub"
	off, ok := table.Offset(name)
	if !ok {
		t.Skipf("%s not in symbol table (stripped test binary?)", name)
	}
	live, err := NewProcess().Slice(reflect.ValueOf(JumpStub).Pointer(), 16)
	require.NoError(t, err)
	assert.Equal(t, data[off:off+16], live)

	img, err := MapImage(data, 0x7f0000000000, ArchUnknown)
	require.NoError(t, err)
	assert.Equal(t, "elf", img.Format)
	addr, err := img.Source().Lookup(name)
	require.NoError(t, err)
	got, err := img.Buffer.Slice(addr, 16)
	require.NoError(t, err)
	assert.Equal(t, live, got)
	assert.Equal(t, data, img.Contents())
}
